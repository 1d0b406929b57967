package interpret

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/vectorstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubClient is a canned model client.
type stubClient struct {
	text      string
	err       error
	available bool
}

func (c *stubClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.text, Model: "stub-model"}, nil
}

func (c *stubClient) Available() bool { return c.available }

// fakeVectors is an in-memory Store with canned search results.
type fakeVectors struct {
	docs    map[string]map[string]vectorstore.Document
	matches []vectorstore.Match
	queries []vectorstore.Query
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{docs: map[string]map[string]vectorstore.Document{}}
}

func (f *fakeVectors) Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error {
	if f.docs[collection] == nil {
		f.docs[collection] = map[string]vectorstore.Document{}
	}
	for _, doc := range docs {
		f.docs[collection][doc.ID] = doc
	}
	return nil
}

func (f *fakeVectors) Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.Match, error) {
	f.queries = append(f.queries, q)
	var out []vectorstore.Match
	for _, m := range f.matches {
		if m.ID == q.ExcludeID || m.Score < q.MinScore {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeVectors) Delete(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		delete(f.docs[collection], id)
	}
	return nil
}

func (f *fakeVectors) Close() error { return nil }

type fixture struct {
	svc     *Service
	db      *store.DB
	vectors *fakeVectors
	model   *stubClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vectors := newFakeVectors()
	model := &stubClient{}
	svc, err := NewService(db, vectors, model, nil, zap.NewNop())
	require.NoError(t, err)
	return &fixture{svc: svc, db: db, vectors: vectors, model: model}
}

func (f *fixture) seedItem(t *testing.T, originPostID string) *store.RawItem {
	t.Helper()
	item := &store.RawItem{
		ID:           uuid.New().String(),
		SourceID:     "src-1",
		SourceType:   "intercom",
		ExternalID:   uuid.New().String(),
		DedupeKey:    "intercom:" + uuid.New().String(),
		Body:         "We really need CSV export",
		OriginPostID: originPostID,
		State:        store.ItemInterpreting,
	}
	require.NoError(t, f.db.InsertItem(context.Background(), item))
	return item
}

func (f *fixture) seedSignals(t *testing.T, itemID string, count int) []*store.Signal {
	t.Helper()
	signals := make([]*store.Signal, count)
	for i := range signals {
		signals[i] = &store.Signal{
			ID:           uuid.New().String(),
			ItemID:       itemID,
			Type:         store.SignalFeatureRequest,
			Summary:      "CSV export for reporting",
			ImplicitNeed: "get data out of the product",
			Evidence:     []string{"We really need CSV export"},
			Confidence:   0.9,
			State:        store.SignalPendingInterpretation,
		}
	}
	require.NoError(t, f.db.ReplaceSignals(context.Background(), itemID, signals))
	return signals
}

func (f *fixture) seedPost(t *testing.T, title string) *store.Post {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.InsertCollection(ctx, &store.Collection{ID: "col-1", Name: "Features"}))
	post := &store.Post{
		ID:           uuid.New().String(),
		CollectionID: "col-1",
		Title:        title,
		Body:         "Export data as CSV",
	}
	require.NoError(t, f.db.InsertPost(ctx, post))
	return post
}

func TestInterpretSignalCreatesMergeSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	sig := f.seedSignals(t, item.ID, 1)[0]
	post := f.seedPost(t, "CSV export")
	f.vectors.matches = []vectorstore.Match{{ID: post.ID, Score: 0.91}}

	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	sugg := pending[0]
	assert.Equal(t, store.SuggestionMergePost, sugg.Type)
	assert.Equal(t, post.ID, sugg.TargetPostID)
	assert.InDelta(t, 0.91, sugg.Similarity, 1e-6)
	// Reasoning names both sides and the score.
	assert.Contains(t, sugg.Reasoning, "CSV export for reporting")
	assert.Contains(t, sugg.Reasoning, post.Title)
	assert.Contains(t, sugg.Reasoning, "0.91")

	got, err := f.db.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SignalCompleted, got.State)
	require.NotNil(t, got.EmbeddedAt)

	// The signal vector is stored regardless of branch.
	assert.Contains(t, f.vectors.docs[vectorstore.CollectionSignals], sig.ID)
}

func TestInterpretSignalFallsBackToCreateSuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	sig := f.seedSignals(t, item.ID, 1)[0]

	// No model configured: the deterministic draft still produces an
	// actionable suggestion.
	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.SuggestionCreatePost, pending[0].Type)
	assert.Equal(t, "CSV export for reporting", pending[0].Title)
	assert.NotEmpty(t, pending[0].Body)
}

func TestInterpretSignalUsesModelDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	sig := f.seedSignals(t, item.ID, 1)[0]
	require.NoError(t, f.db.InsertCollection(ctx, &store.Collection{ID: "col-1", Name: "Features"}))

	f.model.available = true
	f.model.text = `{"title": "Add CSV export", "body": "Finance teams need raw data.", "collectionId": "col-1"}`

	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Add CSV export", pending[0].Title)
	assert.Equal(t, "col-1", pending[0].CollectionID)
}

func TestInterpretSignalExternalThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	sig := f.seedSignals(t, item.ID, 1)[0]
	post := f.seedPost(t, "CSV export")
	// Above the internal threshold but below the external one.
	f.vectors.matches = []vectorstore.Match{{ID: post.ID, Score: 0.78}}

	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	require.Len(t, f.vectors.queries, 1)
	assert.InDelta(t, externalThreshold, f.vectors.queries[0].MinScore, 1e-6)

	// The near-miss falls back to a create suggestion.
	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.SuggestionCreatePost, pending[0].Type)
}

func TestInterpretSignalNativeSourceUsesInternalThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := &store.RawItem{
		ID:         uuid.New().String(),
		SourceID:   "src-widget",
		SourceType: "widget",
		ExternalID: uuid.New().String(),
		DedupeKey:  "widget:" + uuid.New().String(),
		Body:       "We really need CSV export",
		State:      store.ItemInterpreting,
	}
	require.NoError(t, f.db.InsertItem(ctx, item))
	sig := f.seedSignals(t, item.ID, 1)[0]
	post := f.seedPost(t, "CSV export")
	// Below the external threshold, above the internal one: a native
	// source still merges.
	f.vectors.matches = []vectorstore.Match{{ID: post.ID, Score: 0.78}}

	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	require.Len(t, f.vectors.queries, 1)
	assert.InDelta(t, internalThreshold, f.vectors.queries[0].MinScore, 1e-6)

	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.SuggestionMergePost, pending[0].Type)
	assert.Equal(t, post.ID, pending[0].TargetPostID)
}

func TestInterpretSignalInternalItemComparesAtPostLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.seedPost(t, "Exporting to CSV")
	item := f.seedItem(t, origin.ID)
	sig := f.seedSignals(t, item.ID, 1)[0]

	other := &store.Post{
		ID:           uuid.New().String(),
		CollectionID: "col-1",
		Title:        "CSV export",
	}
	require.NoError(t, f.db.InsertPost(ctx, other))
	f.vectors.matches = []vectorstore.Match{
		{ID: origin.ID, Score: 0.99},
		{ID: other.ID, Score: 0.78},
	}

	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	require.Len(t, f.vectors.queries, 1)
	q := f.vectors.queries[0]
	// The query is the origin post's own text, at the lower item-level
	// threshold, with the origin excluded from results.
	assert.Contains(t, q.Text, "Exporting to CSV")
	assert.InDelta(t, internalThreshold, q.MinScore, 1e-6)
	assert.Equal(t, origin.ID, q.ExcludeID)

	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].TargetPostID)
}

func TestInterpretSignalDuplicateRunIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	sig := f.seedSignals(t, item.ID, 1)[0]

	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))
	// The late duplicate observes the terminal state and does nothing.
	require.NoError(t, f.svc.InterpretSignal(ctx, sig.ID))

	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestFanInCompletesItemInAnyOrder(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	for _, order := range orders {
		f := newFixture(t)
		ctx := context.Background()
		item := f.seedItem(t, "")
		signals := f.seedSignals(t, item.ID, 3)

		for i, idx := range order {
			require.NoError(t, f.svc.InterpretSignal(ctx, signals[idx].ID))

			got, err := f.db.GetItem(ctx, item.ID)
			require.NoError(t, err)
			if i < len(order)-1 {
				assert.Equal(t, store.ItemInterpreting, got.State,
					"item must not complete before its last signal")
			} else {
				assert.Equal(t, store.ItemCompleted, got.State)
			}
		}
	}
}

func TestFanInFailedSignalFailsItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	signals := f.seedSignals(t, item.ID, 2)

	require.NoError(t, f.db.MarkSignalFailed(ctx, signals[0].ID, "boom"))
	require.NoError(t, f.svc.InterpretSignal(ctx, signals[1].ID))

	got, err := f.db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got.State)
	assert.NotEmpty(t, got.LastError)
}

func TestMergeSuggestionNotDuplicatedAcrossSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.seedItem(t, "")
	signals := f.seedSignals(t, item.ID, 2)
	post := f.seedPost(t, "CSV export")
	f.vectors.matches = []vectorstore.Match{{ID: post.ID, Score: 0.92}}

	require.NoError(t, f.svc.InterpretSignal(ctx, signals[0].ID))
	require.NoError(t, f.svc.InterpretSignal(ctx, signals[1].ID))

	// Sibling signals matching the same post collapse into one pending
	// suggestion.
	pending, err := f.db.PendingSuggestionsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
