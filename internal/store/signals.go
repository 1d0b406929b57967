package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const signalColumns = `id, item_id, signal_type, summary, implicit_need, evidence_json,
	confidence, sentiment, urgency, embedded_at, extraction_model, prompt_version,
	state, last_error, created_at, state_changed_at`

// ReplaceSignals deletes any previously-extracted signals for the item and
// inserts the new set in one transaction. Extraction is delete-then-replace
// so re-running it never double-counts.
func (db *DB) ReplaceSignals(ctx context.Context, itemID string, signals []*Signal) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace signals: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM feedback_signals WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("deleting old signals for item %s: %w", itemID, err)
	}

	now := timestamp(time.Now())
	for _, sig := range signals {
		evidence, err := json.Marshal(sig.Evidence)
		if err != nil {
			return fmt.Errorf("marshaling evidence: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feedback_signals (
				id, item_id, signal_type, summary, implicit_need, evidence_json,
				confidence, sentiment, urgency, extraction_model, prompt_version,
				state, created_at, state_changed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.ID, itemID, string(sig.Type), sig.Summary, sig.ImplicitNeed,
			string(evidence), sig.Confidence, sig.Sentiment, sig.Urgency,
			sig.ExtractionModel, sig.PromptVersion, string(sig.State), now, now,
		); err != nil {
			return fmt.Errorf("inserting signal %s: %w", sig.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace signals: %w", err)
	}
	return nil
}

// GetSignal returns the signal with the given id, or ErrNotFound.
func (db *DB) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM feedback_signals WHERE id = ?`, id)
	return scanSignal(row)
}

// SignalsForItem returns all signals owned by the item.
func (db *DB) SignalsForItem(ctx context.Context, itemID string) ([]*Signal, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM feedback_signals WHERE item_id = ? ORDER BY created_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("querying signals for item %s: %w", itemID, err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// TransitionSignal moves a signal from one state to another as a single
// conditional update. Returns ErrInvalidState when the signal was not in
// the expected state.
func (db *DB) TransitionSignal(ctx context.Context, id string, from, to SignalState) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE feedback_signals SET state = ?, state_changed_at = ?
		WHERE id = ? AND state = ?`,
		string(to), timestamp(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("transitioning signal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("signal %s not in state %s: %w", id, from, ErrInvalidState)
	}
	return nil
}

// MarkSignalFailed moves a signal to failed with the error text.
func (db *DB) MarkSignalFailed(ctx context.Context, id, reason string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE feedback_signals SET state = ?, last_error = ?, state_changed_at = ?
		WHERE id = ?`,
		string(SignalFailed), reason, timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking signal %s failed: %w", id, err)
	}
	return nil
}

// MarkSignalEmbedded records that the signal's vector has been stored.
func (db *DB) MarkSignalEmbedded(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE feedback_signals SET embedded_at = ? WHERE id = ?`,
		timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking signal %s embedded: %w", id, err)
	}
	return nil
}

// SignalStates returns the states of every signal owned by the item.
// The fan-in completion check re-derives terminality from this on every
// signal transition.
func (db *DB) SignalStates(ctx context.Context, itemID string) ([]SignalState, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT state FROM feedback_signals WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, fmt.Errorf("querying signal states for item %s: %w", itemID, err)
	}
	defer rows.Close()

	var states []SignalState
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning signal state: %w", err)
		}
		states = append(states, SignalState(s))
	}
	return states, rows.Err()
}

// StuckSignals returns signals wedged in interpreting since before cutoff.
func (db *DB) StuckSignals(ctx context.Context, cutoff time.Time) ([]*Signal, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM feedback_signals
		WHERE state = ? AND state_changed_at < ?`,
		string(SignalInterpreting), timestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying stuck signals: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// ResetSignalForInterpretation rescues a stuck signal back to
// pending_interpretation. Signals are cheap to retry so there is no
// attempt cap.
func (db *DB) ResetSignalForInterpretation(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE feedback_signals SET state = ?, state_changed_at = ?
		WHERE id = ? AND state = ?`,
		string(SignalPendingInterpretation), timestamp(time.Now()), id,
		string(SignalInterpreting))
	if err != nil {
		return fmt.Errorf("resetting signal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("signal %s no longer interpreting: %w", id, ErrInvalidState)
	}
	return nil
}

func collectSignals(rows *sql.Rows) ([]*Signal, error) {
	var signals []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func scanSignal(row scannable) (*Signal, error) {
	var sig Signal
	var sigType, state, evidenceJSON string
	var createdAt, stateChangedAt string
	var embeddedAt sql.NullString

	err := row.Scan(
		&sig.ID, &sig.ItemID, &sigType, &sig.Summary, &sig.ImplicitNeed,
		&evidenceJSON, &sig.Confidence, &sig.Sentiment, &sig.Urgency,
		&embeddedAt, &sig.ExtractionModel, &sig.PromptVersion,
		&state, &sig.LastError, &createdAt, &stateChangedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning signal: %w", err)
	}

	sig.Type = SignalType(sigType)
	sig.State = SignalState(state)
	if err := json.Unmarshal([]byte(evidenceJSON), &sig.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshaling evidence: %w", err)
	}
	sig.CreatedAt = parseTimestamp(createdAt)
	sig.StateChangedAt = parseTimestamp(stateChangedAt)
	if embeddedAt.Valid {
		t := parseTimestamp(embeddedAt.String)
		sig.EmbeddedAt = &t
	}
	return &sig, nil
}
