package extraction

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/gate"
	"github.com/fyrsmithlabs/feedbackd/internal/identity"
	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/interpret"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/notify"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/suggestion"
	"github.com/fyrsmithlabs/feedbackd/internal/vectorstore"
)

// scriptedClient replays canned model responses in call order.
type scriptedClient struct {
	responses []string
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(c.responses) == 0 {
		return nil, llm.ErrNotConfigured
	}
	text := c.responses[0]
	c.responses = c.responses[1:]
	return &llm.Response{
		Text:  text,
		Model: "stub-model",
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 40},
	}, nil
}

func (c *scriptedClient) Available() bool { return true }

// emptyVectors never finds neighbors, forcing the create-post path.
type emptyVectors struct{}

func (emptyVectors) Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error {
	return nil
}

func (emptyVectors) Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.Match, error) {
	return nil, nil
}

func (emptyVectors) Delete(ctx context.Context, collection string, ids []string) error { return nil }
func (emptyVectors) Close() error                                                      { return nil }

type captureNotifier struct {
	notices []notify.Notice
}

func (n *captureNotifier) Send(ctx context.Context, notice notify.Notice) error {
	n.notices = append(n.notices, notice)
	return nil
}

// TestFeedbackPipelineEndToEnd walks one intercom message through every
// stage: ingest, enrich, gate (model tier), extract, interpret with no
// similar post, and accept of the drafted create suggestion.
func TestFeedbackPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	model := &scriptedClient{responses: []string{
		`{"extract": true, "reason": "explicit feature request"}`,
		`{"signals": [{
			"type": "feature_request",
			"summary": "CSV export for reporting",
			"implicitNeed": "get data out of the product",
			"evidence": ["We really need CSV export for reporting"],
			"confidence": 0.9,
			"sentiment": "neutral",
			"urgency": "medium"
		}]}`,
		`{"title": "Add CSV export", "body": "Reporting users need to export raw data as CSV.", "collectionId": "col-1"}`,
	}}

	q := &recordingQueue{}
	resolver, err := identity.NewResolver(db, "acme.test", zap.NewNop())
	require.NoError(t, err)
	qualityGate, err := gate.New(model, zap.NewNop())
	require.NoError(t, err)
	extractor, err := NewService(db, resolver, qualityGate, model, q, nil, zap.NewNop())
	require.NoError(t, err)
	interpreter, err := interpret.NewService(db, emptyVectors{}, model, nil, zap.NewNop())
	require.NoError(t, err)
	notifier := &captureNotifier{}
	reviews, err := suggestion.NewService(db, emptyVectors{}, notifier, zap.NewNop())
	require.NoError(t, err)
	ingestor, err := ingest.NewService(db, q, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, db.InsertCollection(ctx, &store.Collection{ID: "col-1", Name: "Features"}))

	result, err := ingestor.Ingest(ctx, ingest.Seed{
		ExternalID: "conv_1",
		Author:     ingest.Author{Email: "jo@example.com", Name: "Jo"},
		Content:    ingest.Content{Text: "We really need CSV export for reporting, please add it"},
	}, ingest.SourceContext{SourceID: "src-1", SourceType: "intercom"})
	require.NoError(t, err)
	require.False(t, result.Deduplicated)

	require.NoError(t, extractor.EnrichItem(ctx, result.ItemID))
	require.NoError(t, extractor.ExtractSignals(ctx, result.ItemID))

	signals, err := db.SignalsForItem(ctx, result.ItemID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, store.SignalFeatureRequest, signals[0].Type)
	assert.GreaterOrEqual(t, signals[0].Confidence, 0.5)

	require.NoError(t, interpreter.InterpretSignal(ctx, signals[0].ID))

	item, err := db.GetItem(ctx, result.ItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, item.State)

	suggestions, err := db.PendingSuggestionsForItem(ctx, result.ItemID)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	sugg := suggestions[0]
	assert.Equal(t, store.SuggestionCreatePost, sugg.Type)
	assert.Equal(t, "Add CSV export", sugg.Title)
	assert.Equal(t, "col-1", sugg.CollectionID)

	post, err := reviews.AcceptCreate(ctx, sugg.ID, "reviewer-1", suggestion.Edits{})
	require.NoError(t, err)
	assert.Equal(t, 1, post.VoteCount)
	assert.Equal(t, item.IdentityID, post.AuthorIdentityID)

	// The resolved author is subscribed and told their feedback became a post.
	require.Len(t, notifier.notices, 1)
	assert.Equal(t, notify.KindCreated, notifier.notices[0].Kind)
	assert.Equal(t, "jo@example.com", notifier.notices[0].Email)
}
