package suggestion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/feedbackd/internal/notify"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/vectorstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingNotifier captures sent notices.
type recordingNotifier struct {
	notices []notify.Notice
}

func (n *recordingNotifier) Send(ctx context.Context, notice notify.Notice) error {
	n.notices = append(n.notices, notice)
	return nil
}

// memoryVectors is a minimal in-memory Store.
type memoryVectors struct {
	docs map[string]map[string]vectorstore.Document
}

func newMemoryVectors() *memoryVectors {
	return &memoryVectors{docs: map[string]map[string]vectorstore.Document{}}
}

func (m *memoryVectors) Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error {
	if m.docs[collection] == nil {
		m.docs[collection] = map[string]vectorstore.Document{}
	}
	for _, doc := range docs {
		m.docs[collection][doc.ID] = doc
	}
	return nil
}

func (m *memoryVectors) Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.Match, error) {
	return nil, nil
}

func (m *memoryVectors) Delete(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		delete(m.docs[collection], id)
	}
	return nil
}

func (m *memoryVectors) Close() error { return nil }

type fixture struct {
	svc      *Service
	db       *store.DB
	vectors  *memoryVectors
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vectors := newMemoryVectors()
	notifier := &recordingNotifier{}
	svc, err := NewService(db, vectors, notifier, zap.NewNop())
	require.NoError(t, err)
	return &fixture{svc: svc, db: db, vectors: vectors, notifier: notifier}
}

func (f *fixture) seedCollection(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.InsertCollection(context.Background(),
		&store.Collection{ID: "col-1", Name: "Features"}))
}

func (f *fixture) seedIdentity(t *testing.T, email string) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, f.db.InsertIdentity(context.Background(), &store.Identity{
		ID: id, Email: email, DisplayName: "Jo",
	}))
	return id
}

func (f *fixture) seedItem(t *testing.T, identityID, originPostID string) *store.RawItem {
	t.Helper()
	item := &store.RawItem{
		ID:           uuid.New().String(),
		SourceID:     "src-1",
		SourceType:   "intercom",
		ExternalID:   uuid.New().String(),
		DedupeKey:    "intercom:" + uuid.New().String(),
		Body:         "We really need CSV export",
		IdentityID:   identityID,
		OriginPostID: originPostID,
		State:        store.ItemInterpreting,
	}
	require.NoError(t, f.db.InsertItem(context.Background(), item))
	return item
}

func (f *fixture) seedPost(t *testing.T, title string) *store.Post {
	t.Helper()
	post := &store.Post{
		ID:           uuid.New().String(),
		CollectionID: "col-1",
		Title:        title,
		Body:         "Export data as CSV",
	}
	require.NoError(t, f.db.InsertPost(context.Background(), post))
	return post
}

func (f *fixture) seedMerge(t *testing.T, itemID, targetPostID string) *store.Suggestion {
	t.Helper()
	sugg := &store.Suggestion{
		ID:           uuid.New().String(),
		Type:         store.SuggestionMergePost,
		ItemID:       itemID,
		SignalID:     "sig-1",
		TargetPostID: targetPostID,
		Similarity:   0.9,
		Reasoning:    "near duplicate",
		Status:       store.SuggestionPending,
	}
	inserted, err := f.db.InsertMergeSuggestion(context.Background(), sugg)
	require.NoError(t, err)
	require.True(t, inserted)
	return sugg
}

func (f *fixture) seedCreate(t *testing.T, itemID, title, collectionID string) *store.Suggestion {
	t.Helper()
	sugg := &store.Suggestion{
		ID:           uuid.New().String(),
		Type:         store.SuggestionCreatePost,
		ItemID:       itemID,
		SignalID:     "sig-1",
		Title:        title,
		Body:         "Finance teams need raw data.",
		CollectionID: collectionID,
		Reasoning:    "no similar post",
		Status:       store.SuggestionPending,
	}
	require.NoError(t, f.db.InsertCreateSuggestion(context.Background(), sugg))
	return sugg
}

func TestAcceptMergeCastsVoteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	author := f.seedIdentity(t, "jo@example.com")
	item := f.seedItem(t, author, "")
	target := f.seedPost(t, "CSV export")
	sugg := f.seedMerge(t, item.ID, target.ID)

	require.NoError(t, f.svc.AcceptMerge(ctx, sugg.ID, "reviewer-1"))

	post, err := f.db.GetPost(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.VoteCount)

	got, err := f.db.GetSuggestion(ctx, sugg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionAccepted, got.Status)
	assert.Equal(t, target.ID, got.ResultPostID)

	// The author is subscribed and told about the merge.
	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, notify.KindMerged, f.notifier.notices[0].Kind)
	assert.Equal(t, "jo@example.com", f.notifier.notices[0].Email)

	// A retried accept fails on the pending guard and cannot double-count.
	err = f.svc.AcceptMerge(ctx, sugg.ID, "reviewer-1")
	assert.ErrorIs(t, err, store.ErrInvalidState)
	post, err = f.db.GetPost(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.VoteCount)
}

func TestAcceptMergeNoticeNamesResolver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	author := f.seedIdentity(t, "jo@example.com")
	resolver := uuid.New().String()
	require.NoError(t, f.db.InsertIdentity(ctx, &store.Identity{
		ID: resolver, Email: "sam@acme.test", DisplayName: "Sam",
	}))
	item := f.seedItem(t, author, "")
	target := f.seedPost(t, "CSV export")
	sugg := f.seedMerge(t, item.ID, target.ID)

	require.NoError(t, f.svc.AcceptMerge(ctx, sugg.ID, resolver))

	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, "Sam", f.notifier.notices[0].ResolverName)
}

func TestAcceptMergeExistingVoteNotDoubleCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	author := f.seedIdentity(t, "jo@example.com")
	item := f.seedItem(t, author, "")
	target := f.seedPost(t, "CSV export")

	// The author already voted through the product UI.
	inserted, err := f.db.InsertVote(ctx, target.ID, author)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, f.db.IncrementPostVotes(ctx, target.ID))

	sugg := f.seedMerge(t, item.ID, target.ID)
	require.NoError(t, f.svc.AcceptMerge(ctx, sugg.ID, "reviewer-1"))

	post, err := f.db.GetPost(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.VoteCount)
}

func TestAcceptMergeInternalItemMarksDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	origin := f.seedPost(t, "Exporting to CSV")
	target := f.seedPost(t, "CSV export")
	item := f.seedItem(t, "", origin.ID)
	sugg := f.seedMerge(t, item.ID, target.ID)

	// Keep the origin's vector indexed so the test can observe removal.
	require.NoError(t, f.vectors.Upsert(ctx, vectorstore.CollectionPosts,
		[]vectorstore.Document{{ID: origin.ID, Content: origin.Title}}))

	require.NoError(t, f.svc.AcceptMerge(ctx, sugg.ID, "reviewer-1"))

	got, err := f.db.GetPost(ctx, origin.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, got.CanonicalPostID)
	assert.Equal(t, item.ID, got.MergedFromItem)

	// The merged post no longer matches future searches.
	assert.NotContains(t, f.vectors.docs[vectorstore.CollectionPosts], origin.ID)
}

func TestAcceptMergeRejectsWrongType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	item := f.seedItem(t, "", "")
	sugg := f.seedCreate(t, item.ID, "CSV export", "col-1")

	err := f.svc.AcceptMerge(ctx, sugg.ID, "reviewer-1")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestAcceptCreateBuildsPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	author := f.seedIdentity(t, "jo@example.com")
	item := f.seedItem(t, author, "")
	sugg := f.seedCreate(t, item.ID, "CSV export", "col-1")

	post, err := f.svc.AcceptCreate(ctx, sugg.ID, "reviewer-1", Edits{})
	require.NoError(t, err)

	got, err := f.db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "CSV export", got.Title)
	assert.Equal(t, author, got.AuthorIdentityID)
	assert.Equal(t, 1, got.VoteCount)

	// The post is indexed for future similarity searches.
	assert.Contains(t, f.vectors.docs[vectorstore.CollectionPosts], post.ID)

	resolved, err := f.db.GetSuggestion(ctx, sugg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionAccepted, resolved.Status)
	assert.Equal(t, post.ID, resolved.ResultPostID)

	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, notify.KindCreated, f.notifier.notices[0].Kind)
}

func TestAcceptCreateAppliesEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	item := f.seedItem(t, "", "")
	sugg := f.seedCreate(t, item.ID, "CSV export", "")

	post, err := f.svc.AcceptCreate(ctx, sugg.ID, "reviewer-1", Edits{
		Title:        "Add CSV export to reports",
		CollectionID: "col-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Add CSV export to reports", post.Title)
	// Body falls back to the drafted value.
	assert.Equal(t, "Finance teams need raw data.", post.Body)
	// With no resolved author the reviewer stands in.
	assert.Equal(t, "reviewer-1", post.AuthorIdentityID)
}

func TestAcceptCreateRequiresCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "", "")
	sugg := f.seedCreate(t, item.ID, "CSV export", "")

	_, err := f.svc.AcceptCreate(ctx, sugg.ID, "reviewer-1", Edits{})
	assert.ErrorIs(t, err, ErrNoCollection)

	// The suggestion stays pending for a corrected retry.
	got, dbErr := f.db.GetSuggestion(ctx, sugg.ID)
	require.NoError(t, dbErr)
	assert.Equal(t, store.SuggestionPending, got.Status)
}

func TestAcceptCreateResolverIsAuthorSkipsNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	author := f.seedIdentity(t, "jo@example.com")
	item := f.seedItem(t, author, "")
	sugg := f.seedCreate(t, item.ID, "CSV export", "col-1")

	_, err := f.svc.AcceptCreate(ctx, sugg.ID, author, Edits{})
	require.NoError(t, err)

	// No notice about your own action.
	assert.Empty(t, f.notifier.notices)
}

func TestPlaceholderAuthorsAreNotEmailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	author := f.seedIdentity(t, "slack+u_99@external.acme.test")
	item := f.seedItem(t, author, "")
	target := f.seedPost(t, "CSV export")
	sugg := f.seedMerge(t, item.ID, target.ID)

	require.NoError(t, f.svc.AcceptMerge(ctx, sugg.ID, "reviewer-1"))
	assert.Empty(t, f.notifier.notices)
}

func TestDismissIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	item := f.seedItem(t, "", "")
	target := f.seedPost(t, "CSV export")
	sugg := f.seedMerge(t, item.ID, target.ID)

	require.NoError(t, f.svc.Dismiss(ctx, sugg.ID, "reviewer-1"))
	// Dismissing again is a logged no-op, not an error.
	require.NoError(t, f.svc.Dismiss(ctx, sugg.ID, "reviewer-2"))

	got, err := f.db.GetSuggestion(ctx, sugg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionDismissed, got.Status)
	assert.Equal(t, "reviewer-1", got.ResolvedBy)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedCollection(t)
	item := f.seedItem(t, "", "")
	target := f.seedPost(t, "CSV export")
	f.seedMerge(t, item.ID, target.ID)

	// Fresh suggestions survive the sweep.
	count, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// A cutoff in the future catches it, standing in for a 30 day old row.
	count, err = f.db.ExpireSuggestionsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
