package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const postColumns = `id, collection_id, title, body, author_identity_id, vote_count,
	canonical_post_id, merged_from_item_id, created_at`

// InsertPost persists a new post with its initial vote count.
func (db *DB) InsertPost(ctx context.Context, p *Post) error {
	return insertPost(ctx, db.conn, p)
}

// InsertPost persists a new post inside the transaction.
func (tx *Tx) InsertPost(ctx context.Context, p *Post) error {
	return insertPost(ctx, tx.tx, p)
}

func insertPost(ctx context.Context, q querier, p *Post) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO feedback_posts (
			id, collection_id, title, body, author_identity_id, vote_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CollectionID, p.Title, p.Body, p.AuthorIdentityID, p.VoteCount,
		timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting post: %w", err)
	}
	return nil
}

// GetPost returns the post with the given id, or ErrNotFound.
func (db *DB) GetPost(ctx context.Context, id string) (*Post, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM feedback_posts WHERE id = ?`, id)
	return scanPost(row)
}

// SetPostCanonical records that the post identified by itemID's origin is a
// duplicate of canonicalID.
func (db *DB) SetPostCanonical(ctx context.Context, postID, canonicalID, mergedFromItemID string) error {
	return setPostCanonical(ctx, db.conn, postID, canonicalID, mergedFromItemID)
}

// SetPostCanonical marks the post as a duplicate inside the transaction.
func (tx *Tx) SetPostCanonical(ctx context.Context, postID, canonicalID, mergedFromItemID string) error {
	return setPostCanonical(ctx, tx.tx, postID, canonicalID, mergedFromItemID)
}

func setPostCanonical(ctx context.Context, q querier, postID, canonicalID, mergedFromItemID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE feedback_posts SET canonical_post_id = ?, merged_from_item_id = ?
		WHERE id = ?`,
		canonicalID, mergedFromItemID, postID)
	if err != nil {
		return fmt.Errorf("setting canonical for post %s: %w", postID, err)
	}
	return nil
}

// InsertVote records a vote from identityID on the post. Returns true when
// a new vote row was actually inserted; false when the vote already
// existed. Callers increment the counter only on true so retries never
// double-count.
func (db *DB) InsertVote(ctx context.Context, postID, identityID string) (bool, error) {
	return insertVote(ctx, db.conn, postID, identityID)
}

// InsertVote records a vote inside the transaction.
func (tx *Tx) InsertVote(ctx context.Context, postID, identityID string) (bool, error) {
	return insertVote(ctx, tx.tx, postID, identityID)
}

func insertVote(ctx context.Context, q querier, postID, identityID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO post_votes (post_id, identity_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		postID, identityID, timestamp(time.Now()))
	if err != nil {
		return false, fmt.Errorf("inserting vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementPostVotes bumps the post's denormalized vote counter.
func (db *DB) IncrementPostVotes(ctx context.Context, postID string) error {
	return incrementPostVotes(ctx, db.conn, postID)
}

// IncrementPostVotes bumps the vote counter inside the transaction.
func (tx *Tx) IncrementPostVotes(ctx context.Context, postID string) error {
	return incrementPostVotes(ctx, tx.tx, postID)
}

func incrementPostVotes(ctx context.Context, q querier, postID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE feedback_posts SET vote_count = vote_count + 1 WHERE id = ?`, postID)
	if err != nil {
		return fmt.Errorf("incrementing votes for post %s: %w", postID, err)
	}
	return nil
}

// InsertSubscription subscribes the identity to the post, ignoring
// duplicates.
func (db *DB) InsertSubscription(ctx context.Context, postID, identityID, reason string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO post_subscriptions (post_id, identity_id, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		postID, identityID, reason, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// InsertCollection persists a collection.
func (db *DB) InsertCollection(ctx context.Context, c *Collection) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO collections (id, name) VALUES (?, ?)`, c.ID, c.Name)
	if err != nil {
		return fmt.Errorf("inserting collection: %w", err)
	}
	return nil
}

// ListCollections returns all collections, ordered by name.
func (db *DB) ListCollections(ctx context.Context) ([]*Collection, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer rows.Close()

	var collections []*Collection
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		collections = append(collections, &c)
	}
	return collections, rows.Err()
}

// GetCollection returns the collection with the given id, or ErrNotFound.
func (db *DB) GetCollection(ctx context.Context, id string) (*Collection, error) {
	var c Collection
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name FROM collections WHERE id = ?`, id).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning collection: %w", err)
	}
	return &c, nil
}

func scanPost(row scannable) (*Post, error) {
	var p Post
	var createdAt string
	err := row.Scan(
		&p.ID, &p.CollectionID, &p.Title, &p.Body, &p.AuthorIdentityID,
		&p.VoteCount, &p.CanonicalPostID, &p.MergedFromItem, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning post: %w", err)
	}
	p.CreatedAt = parseTimestamp(createdAt)
	return &p, nil
}
