package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const itemColumns = `id, source_id, source_type, external_id, dedupe_key, external_url,
	author_email, author_external_id, author_identity_id, author_name,
	subject, body, context_json, identity_id, origin_post_id,
	state, attempt_count, last_error, model, prompt_tokens, completion_tokens,
	created_at, state_changed_at, completed_at`

// InsertItem persists a new raw feedback item.
func (db *DB) InsertItem(ctx context.Context, item *RawItem) error {
	now := timestamp(time.Now())
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO raw_feedback_items (
			id, source_id, source_type, external_id, dedupe_key, external_url,
			author_email, author_external_id, author_identity_id, author_name,
			subject, body, context_json, identity_id, origin_post_id,
			state, attempt_count, last_error, created_at, state_changed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		item.ID, item.SourceID, item.SourceType, item.ExternalID, item.DedupeKey,
		item.ExternalURL, item.AuthorEmail, item.AuthorExternalID,
		item.AuthorIdentityID, item.AuthorName, item.Subject, item.Body,
		item.ContextJSON, item.IdentityID, item.OriginPostID,
		string(item.State), now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}
	return nil
}

// GetItem returns the item with the given id, or ErrNotFound.
func (db *DB) GetItem(ctx context.Context, id string) (*RawItem, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM raw_feedback_items WHERE id = ?`, id)
	return scanItem(row)
}

// FindItemByDedupeKey returns the item with the given (source, dedupe key)
// pair, or ErrNotFound. This lookup makes ingestion idempotent.
func (db *DB) FindItemByDedupeKey(ctx context.Context, sourceID, dedupeKey string) (*RawItem, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM raw_feedback_items
		WHERE source_id = ? AND dedupe_key = ?`, sourceID, dedupeKey)
	return scanItem(row)
}

// TransitionItem moves an item from one state to another as a single
// conditional update. Returns ErrInvalidState if the item was not in the
// expected state, which makes duplicate job executions safe no-ops.
func (db *DB) TransitionItem(ctx context.Context, id string, from, to ItemState) error {
	now := timestamp(time.Now())
	var completedAt any
	if to == ItemCompleted || to == ItemFailed {
		completedAt = now
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE raw_feedback_items
		SET state = ?, state_changed_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND state = ?`,
		string(to), now, completedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("transitioning item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s not in state %s: %w", id, from, ErrInvalidState)
	}
	return nil
}

// MarkItemFailed moves an item to the failed terminal state with a
// human-readable reason. Unconditional: failure always wins.
func (db *DB) MarkItemFailed(ctx context.Context, id, reason string) error {
	now := timestamp(time.Now())
	_, err := db.conn.ExecContext(ctx,
		`UPDATE raw_feedback_items
		SET state = ?, last_error = ?, state_changed_at = ?, completed_at = ?
		WHERE id = ?`,
		string(ItemFailed), reason, now, now, id)
	if err != nil {
		return fmt.Errorf("marking item %s failed: %w", id, err)
	}
	return nil
}

// IncrementItemAttempts bumps the item's attempt counter.
func (db *DB) IncrementItemAttempts(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE raw_feedback_items SET attempt_count = attempt_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing attempts for item %s: %w", id, err)
	}
	return nil
}

// SetItemIdentity records the resolved author identity on the item.
func (db *DB) SetItemIdentity(ctx context.Context, id, identityID string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE raw_feedback_items SET identity_id = ? WHERE id = ?`, identityID, id)
	if err != nil {
		return fmt.Errorf("setting identity for item %s: %w", id, err)
	}
	return nil
}

// RecordItemUsage accumulates model token usage on the item.
func (db *DB) RecordItemUsage(ctx context.Context, id, model string, promptTokens, completionTokens int) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE raw_feedback_items
		SET model = ?, prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ?
		WHERE id = ?`,
		model, promptTokens, completionTokens, id)
	if err != nil {
		return fmt.Errorf("recording usage for item %s: %w", id, err)
	}
	return nil
}

// StuckItems returns items wedged in an in-flight state since before cutoff.
func (db *DB) StuckItems(ctx context.Context, cutoff time.Time) ([]*RawItem, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM raw_feedback_items
		WHERE state IN (?, ?) AND state_changed_at < ?`,
		string(ItemExtracting), string(ItemInterpreting), timestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying stuck items: %w", err)
	}
	defer rows.Close()

	var items []*RawItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// IdleItems returns items parked in a queued state since before cutoff.
// These items are waiting on a trigger that may have been lost; they need
// re-enqueueing, not a state change.
func (db *DB) IdleItems(ctx context.Context, cutoff time.Time) ([]*RawItem, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM raw_feedback_items
		WHERE state IN (?, ?) AND state_changed_at < ?`,
		string(ItemPendingContext), string(ItemReadyForExtraction), timestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying idle items: %w", err)
	}
	defer rows.Close()

	var items []*RawItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResetItemForExtraction rescues a stuck item back to ready_for_extraction.
// Conditional on the item still being in flight so a racing completion wins.
func (db *DB) ResetItemForExtraction(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE raw_feedback_items
		SET state = ?, state_changed_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		string(ItemReadyForExtraction), timestamp(time.Now()), id,
		string(ItemExtracting), string(ItemInterpreting))
	if err != nil {
		return fmt.Errorf("resetting item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s no longer in flight: %w", id, ErrInvalidState)
	}
	return nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*RawItem, error) {
	var item RawItem
	var state string
	var createdAt, stateChangedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&item.ID, &item.SourceID, &item.SourceType, &item.ExternalID,
		&item.DedupeKey, &item.ExternalURL,
		&item.AuthorEmail, &item.AuthorExternalID, &item.AuthorIdentityID, &item.AuthorName,
		&item.Subject, &item.Body, &item.ContextJSON, &item.IdentityID, &item.OriginPostID,
		&state, &item.AttemptCount, &item.LastError,
		&item.Model, &item.PromptTokens, &item.CompletionTokens,
		&createdAt, &stateChangedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item: %w", err)
	}

	item.State = ItemState(state)
	item.CreatedAt = parseTimestamp(createdAt)
	item.StateChangedAt = parseTimestamp(stateChangedAt)
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		item.CompletedAt = &t
	}
	return &item, nil
}

// timestamp formats a time for storage. UTC RFC 3339 keeps string
// comparison consistent with sqlite's datetime('now') defaults.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.999999999")
}

// parseTimestamp parses a stored timestamp, tolerating both our format and
// sqlite's datetime('now') output.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
