package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMergeSuggestion(itemID, signalID, targetPostID string) *Suggestion {
	return &Suggestion{
		ID:           uuid.New().String(),
		Type:         SuggestionMergePost,
		ItemID:       itemID,
		SignalID:     signalID,
		TargetPostID: targetPostID,
		Similarity:   0.87,
		Reasoning:    "near duplicate",
		Status:       SuggestionPending,
	}
}

func seedItemAndPost(t *testing.T, db *DB) (*RawItem, *Post) {
	t.Helper()
	ctx := context.Background()

	item := newTestItem("src-1", "conv_1")
	require.NoError(t, db.InsertItem(ctx, item))

	require.NoError(t, db.InsertCollection(ctx, &Collection{ID: "col-1", Name: "Features"}))
	post := &Post{
		ID:           uuid.New().String(),
		CollectionID: "col-1",
		Title:        "CSV export",
		Body:         "Export data as CSV",
	}
	require.NoError(t, db.InsertPost(ctx, post))
	return item, post
}

func TestInsertMergeSuggestionUnique(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item, post := seedItemAndPost(t, db)

	inserted, err := db.InsertMergeSuggestion(ctx, newMergeSuggestion(item.ID, "sig-1", post.ID))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second pending merge for the same (item, target) pair collapses,
	// even from a different signal.
	inserted, err = db.InsertMergeSuggestion(ctx, newMergeSuggestion(item.ID, "sig-2", post.ID))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestMergeUniquenessOnlyBindsPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item, post := seedItemAndPost(t, db)

	first := newMergeSuggestion(item.ID, "sig-1", post.ID)
	inserted, err := db.InsertMergeSuggestion(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, db.ResolveSuggestion(ctx, first.ID, SuggestionDismissed, "reviewer-1", ""))

	// A resolved suggestion no longer blocks a fresh one.
	inserted, err = db.InsertMergeSuggestion(ctx, newMergeSuggestion(item.ID, "sig-1", post.ID))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestResolveSuggestionGuardsPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item, post := seedItemAndPost(t, db)

	sugg := newMergeSuggestion(item.ID, "sig-1", post.ID)
	_, err := db.InsertMergeSuggestion(ctx, sugg)
	require.NoError(t, err)

	require.NoError(t, db.ResolveSuggestion(ctx, sugg.ID, SuggestionAccepted, "reviewer-1", post.ID))

	got, err := db.GetSuggestion(ctx, sugg.ID)
	require.NoError(t, err)
	assert.Equal(t, SuggestionAccepted, got.Status)
	assert.Equal(t, "reviewer-1", got.ResolvedBy)
	assert.Equal(t, post.ID, got.ResultPostID)
	require.NotNil(t, got.ResolvedAt)

	// Resolving twice must fail: the first reviewer won.
	err = db.ResolveSuggestion(ctx, sugg.ID, SuggestionDismissed, "reviewer-2", "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExpireSuggestionsBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item, post := seedItemAndPost(t, db)

	sugg := newMergeSuggestion(item.ID, "sig-1", post.ID)
	_, err := db.InsertMergeSuggestion(ctx, sugg)
	require.NoError(t, err)

	// Nothing is old enough yet.
	count, err := db.ExpireSuggestionsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)

	// Everything pending is older than a future cutoff.
	count, err = db.ExpireSuggestionsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	got, err := db.GetSuggestion(ctx, sugg.ID)
	require.NoError(t, err)
	assert.Equal(t, SuggestionExpired, got.Status)
}

func TestPendingSuggestionsForItem(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item, post := seedItemAndPost(t, db)

	merge := newMergeSuggestion(item.ID, "sig-1", post.ID)
	_, err := db.InsertMergeSuggestion(ctx, merge)
	require.NoError(t, err)

	create := &Suggestion{
		ID:        uuid.New().String(),
		Type:      SuggestionCreatePost,
		ItemID:    item.ID,
		SignalID:  "sig-2",
		Title:     "CSV export",
		Reasoning: "no similar post",
		Status:    SuggestionPending,
	}
	require.NoError(t, db.InsertCreateSuggestion(ctx, create))
	require.NoError(t, db.ResolveSuggestion(ctx, merge.ID, SuggestionDismissed, "reviewer-1", ""))

	pending, err := db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, create.ID, pending[0].ID)
}

func TestVoteAccounting(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, post := seedItemAndPost(t, db)

	require.NoError(t, db.InsertIdentity(ctx, &Identity{
		ID: "identity-1", Email: "jo@example.com", DisplayName: "jo",
	}))

	inserted, err := db.InsertVote(ctx, post.ID, "identity-1")
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, db.IncrementPostVotes(ctx, post.ID))

	// A retried vote insert is absorbed by the primary key and must not
	// be counted again.
	inserted, err = db.InsertVote(ctx, post.ID, "identity-1")
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VoteCount)
}

func TestSetPostCanonical(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	item, post := seedItemAndPost(t, db)

	duplicate := &Post{
		ID:           uuid.New().String(),
		CollectionID: "col-1",
		Title:        "Exporting to CSV",
	}
	require.NoError(t, db.InsertPost(ctx, duplicate))

	require.NoError(t, db.SetPostCanonical(ctx, duplicate.ID, post.ID, item.ID))

	got, err := db.GetPost(ctx, duplicate.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ID, got.CanonicalPostID)
	assert.Equal(t, item.ID, got.MergedFromItem)
}

func TestExternalIdentityMapping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertIdentity(ctx, &Identity{
		ID: "identity-1", Email: "jo@example.com", DisplayName: "jo",
	}))

	_, err := db.FindExternalMapping(ctx, "intercom", "u_42")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.InsertExternalMapping(ctx, "intercom", "u_42", "identity-1"))
	// Concurrent duplicate insert is ignored.
	require.NoError(t, db.InsertExternalMapping(ctx, "intercom", "u_42", "identity-1"))

	identityID, err := db.FindExternalMapping(ctx, "intercom", "u_42")
	require.NoError(t, err)
	assert.Equal(t, "identity-1", identityID)
}
