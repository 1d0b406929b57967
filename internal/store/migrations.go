package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is a single schema migration step.
type migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of schema migrations.
// Append new migrations to the end with incrementing version numbers.
var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS raw_feedback_items (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    external_id TEXT NOT NULL,
    dedupe_key TEXT NOT NULL,
    external_url TEXT NOT NULL DEFAULT '',
    author_email TEXT NOT NULL DEFAULT '',
    author_external_id TEXT NOT NULL DEFAULT '',
    author_identity_id TEXT NOT NULL DEFAULT '',
    author_name TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    context_json TEXT NOT NULL DEFAULT '',
    identity_id TEXT NOT NULL DEFAULT '',
    origin_post_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    state_changed_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT,
    UNIQUE (source_id, dedupe_key)
);

CREATE TABLE IF NOT EXISTS feedback_signals (
    id TEXT PRIMARY KEY,
    item_id TEXT NOT NULL REFERENCES raw_feedback_items(id),
    signal_type TEXT NOT NULL,
    summary TEXT NOT NULL,
    implicit_need TEXT NOT NULL DEFAULT '',
    evidence_json TEXT NOT NULL DEFAULT '[]',
    confidence REAL NOT NULL,
    sentiment TEXT NOT NULL DEFAULT '',
    urgency TEXT NOT NULL DEFAULT '',
    embedded_at TEXT,
    extraction_model TEXT NOT NULL DEFAULT '',
    prompt_version TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    state_changed_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_signals_item ON feedback_signals(item_id);

CREATE TABLE IF NOT EXISTS feedback_suggestions (
    id TEXT PRIMARY KEY,
    suggestion_type TEXT NOT NULL,
    item_id TEXT NOT NULL REFERENCES raw_feedback_items(id),
    signal_id TEXT NOT NULL DEFAULT '',
    target_post_id TEXT NOT NULL DEFAULT '',
    similarity REAL NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    collection_id TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    resolved_by TEXT NOT NULL DEFAULT '',
    resolved_at TEXT,
    result_post_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- At most one pending merge suggestion per (item, target post) pair.
-- Pushing the invariant into the storage layer means concurrent workers
-- cannot race past it; duplicate inserts become a no-op.
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_merge_unique
    ON feedback_suggestions(item_id, target_post_id)
    WHERE status = 'pending' AND suggestion_type = 'merge_post';

CREATE TABLE IF NOT EXISTS identities (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS external_identity_mappings (
    source_type TEXT NOT NULL,
    external_user_id TEXT NOT NULL,
    identity_id TEXT NOT NULL REFERENCES identities(id),
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (source_type, external_user_id)
);

CREATE TABLE IF NOT EXISTS collections (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback_posts (
    id TEXT PRIMARY KEY,
    collection_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    author_identity_id TEXT NOT NULL DEFAULT '',
    vote_count INTEGER NOT NULL DEFAULT 0,
    canonical_post_id TEXT NOT NULL DEFAULT '',
    merged_from_item_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS post_votes (
    post_id TEXT NOT NULL REFERENCES feedback_posts(id),
    identity_id TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (post_id, identity_id)
);

CREATE TABLE IF NOT EXISTS post_subscriptions (
    post_id TEXT NOT NULL REFERENCES feedback_posts(id),
    identity_id TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (post_id, identity_id)
);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version.
func latestVersion() int {
	latest := 0
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest
}

// migrate brings the schema up to the latest version, tracked via
// PRAGMA user_version.
func migrate(conn *sql.DB, logger *zap.Logger) error {
	var current int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	latest := latestVersion()
	if current >= latest {
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logger.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// Set user_version outside the transaction (modernc/sqlite requirement).
		// Safe: if we crash here, the idempotent DDL lets the migration re-run.
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}

	return nil
}
