package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertIdentity persists a new identity.
func (db *DB) InsertIdentity(ctx context.Context, id *Identity) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO identities (id, email, display_name, created_at)
		VALUES (?, ?, ?, ?)`,
		id.ID, id.Email, id.DisplayName, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting identity: %w", err)
	}
	return nil
}

// GetIdentity returns the identity with the given id, or ErrNotFound.
func (db *DB) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

// FindIdentityByEmail returns the identity with the given email, or
// ErrNotFound. Callers normalize the email before lookup.
func (db *DB) FindIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM identities WHERE email = ?`, email)
	return scanIdentity(row)
}

// FindExternalMapping returns the identity id mapped to the
// (source type, external user id) pair, or ErrNotFound.
func (db *DB) FindExternalMapping(ctx context.Context, sourceType, externalUserID string) (string, error) {
	var identityID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT identity_id FROM external_identity_mappings
		WHERE source_type = ? AND external_user_id = ?`,
		sourceType, externalUserID).Scan(&identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying external mapping: %w", err)
	}
	return identityID, nil
}

// InsertExternalMapping records a (source type, external user id) mapping.
// Ignore-on-conflict makes concurrent resolution races harmless.
func (db *DB) InsertExternalMapping(ctx context.Context, sourceType, externalUserID, identityID string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO external_identity_mappings (source_type, external_user_id, identity_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		sourceType, externalUserID, identityID, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting external mapping: %w", err)
	}
	return nil
}

func scanIdentity(row scannable) (*Identity, error) {
	var id Identity
	var createdAt string
	err := row.Scan(&id.ID, &id.Email, &id.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	id.CreatedAt = parseTimestamp(createdAt)
	return &id, nil
}
