package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const suggestionColumns = `id, suggestion_type, item_id, signal_id, target_post_id, similarity,
	title, body, collection_id, reasoning, status, resolved_by, resolved_at,
	result_post_id, created_at`

// InsertMergeSuggestion inserts a merge suggestion, silently ignoring the
// insert when a pending merge suggestion already exists for the same
// (item, target post) pair. Returns false when the insert was a no-op.
func (db *DB) InsertMergeSuggestion(ctx context.Context, s *Suggestion) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO feedback_suggestions (
			id, suggestion_type, item_id, signal_id, target_post_id, similarity,
			reasoning, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		s.ID, string(SuggestionMergePost), s.ItemID, s.SignalID, s.TargetPostID,
		s.Similarity, s.Reasoning, string(SuggestionPending), timestamp(time.Now()))
	if err != nil {
		return false, fmt.Errorf("inserting merge suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertCreateSuggestion inserts a create-post suggestion. Multiple create
// suggestions from different signals on the same item are allowed.
func (db *DB) InsertCreateSuggestion(ctx context.Context, s *Suggestion) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO feedback_suggestions (
			id, suggestion_type, item_id, signal_id, title, body, collection_id,
			reasoning, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, string(SuggestionCreatePost), s.ItemID, s.SignalID, s.Title, s.Body,
		s.CollectionID, s.Reasoning, string(SuggestionPending), timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting create suggestion: %w", err)
	}
	return nil
}

// GetSuggestion returns the suggestion with the given id, or ErrNotFound.
func (db *DB) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM feedback_suggestions WHERE id = ?`, id)
	return scanSuggestion(row)
}

// ResolveSuggestion conditionally moves a pending suggestion to a terminal
// status, recording who resolved it and the resulting post. Returns
// ErrInvalidState when the suggestion was already resolved.
func (db *DB) ResolveSuggestion(ctx context.Context, id string, to SuggestionStatus, resolvedBy, resultPostID string) error {
	return resolveSuggestion(ctx, db.conn, id, to, resolvedBy, resultPostID)
}

// ResolveSuggestion claims the suggestion inside the transaction, so the
// claim and its effects commit or roll back together.
func (tx *Tx) ResolveSuggestion(ctx context.Context, id string, to SuggestionStatus, resolvedBy, resultPostID string) error {
	return resolveSuggestion(ctx, tx.tx, id, to, resolvedBy, resultPostID)
}

func resolveSuggestion(ctx context.Context, q querier, id string, to SuggestionStatus, resolvedBy, resultPostID string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE feedback_suggestions
		SET status = ?, resolved_by = ?, resolved_at = ?, result_post_id = ?
		WHERE id = ? AND status = ?`,
		string(to), resolvedBy, timestamp(time.Now()), resultPostID,
		id, string(SuggestionPending))
	if err != nil {
		return fmt.Errorf("resolving suggestion %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("suggestion %s not pending: %w", id, ErrInvalidState)
	}
	return nil
}

// ExpireSuggestionsBefore bulk-expires pending suggestions created before
// cutoff. Returns the number of rows affected.
func (db *DB) ExpireSuggestionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE feedback_suggestions SET status = ?, resolved_at = ?
		WHERE status = ? AND created_at < ?`,
		string(SuggestionExpired), timestamp(time.Now()),
		string(SuggestionPending), timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expiring suggestions: %w", err)
	}
	return res.RowsAffected()
}

// PendingSuggestionsForItem returns pending suggestions linked to the item.
func (db *DB) PendingSuggestionsForItem(ctx context.Context, itemID string) ([]*Suggestion, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+suggestionColumns+` FROM feedback_suggestions
		WHERE item_id = ? AND status = ? ORDER BY created_at`,
		itemID, string(SuggestionPending))
	if err != nil {
		return nil, fmt.Errorf("querying suggestions for item %s: %w", itemID, err)
	}
	defer rows.Close()

	var suggestions []*Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, s)
	}
	return suggestions, rows.Err()
}

func scanSuggestion(row scannable) (*Suggestion, error) {
	var s Suggestion
	var sugType, status, createdAt string
	var resolvedAt sql.NullString

	err := row.Scan(
		&s.ID, &sugType, &s.ItemID, &s.SignalID, &s.TargetPostID, &s.Similarity,
		&s.Title, &s.Body, &s.CollectionID, &s.Reasoning, &status,
		&s.ResolvedBy, &resolvedAt, &s.ResultPostID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning suggestion: %w", err)
	}

	s.Type = SuggestionType(sugType)
	s.Status = SuggestionStatus(status)
	s.CreatedAt = parseTimestamp(createdAt)
	if resolvedAt.Valid {
		t := parseTimestamp(resolvedAt.String)
		s.ResolvedAt = &t
	}
	return &s, nil
}
