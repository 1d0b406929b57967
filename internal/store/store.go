// Package store is the relational backbone of the feedback pipeline.
//
// All durable pipeline state lives here: raw items, signals, suggestions,
// identities, and the post surface suggestions act on. The job queue is
// only a trigger; every state transition is a single-row conditional
// update guarded by the expected current state, so duplicate or late job
// executions observe the already-advanced state and no-op.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a conditional transition did not
	// apply because the row was not in the expected state.
	ErrInvalidState = errors.New("invalid state")
)

// DB wraps the SQLite connection behind the pipeline's data access methods.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the pipeline database at path and migrates it to
// the latest schema version.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets the worker pools read while a transition commits.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(conn, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: path, logger: logger}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// querier covers *sql.DB and *sql.Tx, letting write operations run either
// standalone or inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx groups multiple writes into one atomic unit. Obtained via InTx.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error. Review actions use it so a claim and its effects land together.
func (db *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
