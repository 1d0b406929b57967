// Package interpret matches extracted signals against existing feedback
// posts and produces review suggestions.
//
// Every signal is embedded and stored first, then compared against the
// post collection. Matches above the similarity threshold become merge
// suggestions; a signal with no match becomes a create suggestion. The
// stage is re-entrant: the signal state guard makes duplicate jobs no-ops
// and the last signal to finish completes the owning item.
package interpret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/metrics"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	// internalThreshold is the similarity floor for items from native
	// sources, whose authors already write in board terms.
	internalThreshold = 0.75

	// externalThreshold is the similarity floor for connector-sourced
	// signals.
	externalThreshold = 0.80

	// matchLimit caps merge suggestions per signal.
	matchLimit = 5
)

// Service interprets signals into suggestions.
type Service struct {
	db      *store.DB
	vectors vectorstore.Store
	client  llm.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates the interpretation service.
func NewService(db *store.DB, vectors vectorstore.Store, client llm.Client, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("store cannot be nil")
	}
	if vectors == nil {
		return nil, errors.New("vector store cannot be nil")
	}
	if client == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, vectors: vectors, client: client, metrics: m, logger: logger}, nil
}

// InterpretSignal embeds one signal, searches for similar posts, and
// records merge or create suggestions. The owning item completes once its
// last signal reaches a terminal state.
func (s *Service) InterpretSignal(ctx context.Context, signalID string) error {
	sig, err := s.claimSignal(ctx, signalID)
	if err != nil || sig == nil {
		return err
	}

	item, err := s.db.GetItem(ctx, sig.ItemID)
	if err != nil {
		return fmt.Errorf("loading item %s: %w", sig.ItemID, err)
	}

	start := time.Now()
	if err := s.embedSignal(ctx, sig, item); err != nil {
		return fmt.Errorf("embedding signal %s: %w", signalID, err)
	}

	matches, err := s.findSimilarPosts(ctx, sig, item)
	if err != nil {
		return fmt.Errorf("searching similar posts for signal %s: %w", signalID, err)
	}

	if len(matches) > 0 {
		err = s.suggestMerges(ctx, sig, item, matches)
	} else {
		err = s.suggestCreate(ctx, sig, item)
	}
	if err != nil {
		return s.failSignal(ctx, sig, err)
	}
	s.metrics.InterpretationDuration(ctx, time.Since(start).Seconds())

	if err := s.db.TransitionSignal(ctx, signalID, store.SignalInterpreting, store.SignalCompleted); err != nil && !errors.Is(err, store.ErrInvalidState) {
		return fmt.Errorf("completing signal: %w", err)
	}
	return s.completeItemIfDone(ctx, sig.ItemID)
}

// claimSignal moves the signal into the interpreting state, tolerating
// retries of a run that already claimed it. Returns (nil, nil) for stale
// jobs.
func (s *Service) claimSignal(ctx context.Context, signalID string) (*store.Signal, error) {
	err := s.db.TransitionSignal(ctx, signalID, store.SignalPendingInterpretation, store.SignalInterpreting)
	if err != nil && !errors.Is(err, store.ErrInvalidState) {
		return nil, fmt.Errorf("claiming signal: %w", err)
	}

	sig, err := s.db.GetSignal(ctx, signalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("interpretation skipped, signal gone",
				zap.String("signal_id", signalID))
			return nil, nil
		}
		return nil, fmt.Errorf("loading signal: %w", err)
	}
	if sig.State != store.SignalInterpreting {
		s.logger.Debug("interpretation skipped, signal not claimable",
			zap.String("signal_id", signalID),
			zap.String("state", string(sig.State)))
		return nil, nil
	}
	return sig, nil
}

// embedSignal stores the signal vector for audit and future search.
// Upsert makes re-runs harmless.
func (s *Service) embedSignal(ctx context.Context, sig *store.Signal, item *store.RawItem) error {
	doc := vectorstore.Document{
		ID:      sig.ID,
		Content: embeddingText(sig),
		Metadata: map[string]any{
			"item_id":     sig.ItemID,
			"signal_type": string(sig.Type),
			"source_type": item.SourceType,
		},
	}
	if err := s.vectors.Upsert(ctx, vectorstore.CollectionSignals, []vectorstore.Document{doc}); err != nil {
		return err
	}
	return s.db.MarkSignalEmbedded(ctx, sig.ID)
}

// findSimilarPosts searches the post collection. Native sources get the
// lower internal threshold; when the item carries an origin post, the
// query is that post's own text and the post excludes itself from the
// results.
func (s *Service) findSimilarPosts(ctx context.Context, sig *store.Signal, item *store.RawItem) ([]vectorstore.Match, error) {
	threshold := float32(externalThreshold)
	if item.OriginPostID != "" || ingest.KindOf(item.SourceType).Native {
		threshold = internalThreshold
	}
	q := vectorstore.Query{
		Text:     embeddingText(sig),
		Limit:    matchLimit,
		MinScore: threshold,
	}
	if item.OriginPostID != "" {
		origin, err := s.db.GetPost(ctx, item.OriginPostID)
		if err != nil {
			return nil, fmt.Errorf("loading origin post: %w", err)
		}
		q.Text = origin.Title + "\n" + origin.Body
		q.ExcludeID = origin.ID
	}
	return s.vectors.Search(ctx, vectorstore.CollectionPosts, q)
}

// suggestMerges records one merge suggestion per match. The partial unique
// index collapses duplicate pending suggestions for the same item and
// target, so re-runs and sibling signals cannot double-suggest.
func (s *Service) suggestMerges(ctx context.Context, sig *store.Signal, item *store.RawItem, matches []vectorstore.Match) error {
	for _, match := range matches {
		target, err := s.db.GetPost(ctx, match.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Vector for a post deleted since indexing.
				s.logger.Warn("similar post no longer exists",
					zap.String("post_id", match.ID))
				continue
			}
			return fmt.Errorf("loading matched post: %w", err)
		}

		suggestion := &store.Suggestion{
			ID:           uuid.New().String(),
			Type:         store.SuggestionMergePost,
			ItemID:       item.ID,
			SignalID:     sig.ID,
			TargetPostID: target.ID,
			Similarity:   float64(match.Score),
			Reasoning: fmt.Sprintf("%q closely matches existing post %q (similarity %.2f)",
				sig.Summary, target.Title, match.Score),
			Status: store.SuggestionPending,
		}
		inserted, err := s.db.InsertMergeSuggestion(ctx, suggestion)
		if err != nil {
			return fmt.Errorf("recording merge suggestion: %w", err)
		}
		if inserted {
			s.metrics.SuggestionCreated(ctx, string(store.SuggestionMergePost))
			s.logger.Info("merge suggested",
				zap.String("item_id", item.ID),
				zap.String("signal_id", sig.ID),
				zap.String("target_post_id", target.ID),
				zap.Float64("similarity", suggestion.Similarity))
		}
	}
	return nil
}

// draftPayload is the JSON shape the drafting model returns.
type draftPayload struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	CollectionID string `json:"collectionId"`
}

const draftSystemPrompt = `You draft a public feedback-board post from an analyzed customer signal. Write a concise title a reader can scan, and a body that states the need and quotes the customer's own words where they help.

If one of the provided collections clearly fits, pick its id; otherwise leave collectionId empty.

Respond with ONLY a JSON object: {"title": "...", "body": "...", "collectionId": "..."}`

// suggestCreate records a create-post suggestion. The model drafts the
// post when available; otherwise the draft is assembled from the signal
// itself so the pipeline never stalls on a missing model.
func (s *Service) suggestCreate(ctx context.Context, sig *store.Signal, item *store.RawItem) error {
	draft := s.draftPost(ctx, sig)

	suggestion := &store.Suggestion{
		ID:           uuid.New().String(),
		Type:         store.SuggestionCreatePost,
		ItemID:       item.ID,
		SignalID:     sig.ID,
		Title:        draft.Title,
		Body:         draft.Body,
		CollectionID: draft.CollectionID,
		Reasoning:    fmt.Sprintf("no existing post matches %q", sig.Summary),
		Status:       store.SuggestionPending,
	}
	if err := s.db.InsertCreateSuggestion(ctx, suggestion); err != nil {
		return fmt.Errorf("recording create suggestion: %w", err)
	}
	s.metrics.SuggestionCreated(ctx, string(store.SuggestionCreatePost))
	s.logger.Info("new post suggested",
		zap.String("item_id", item.ID),
		zap.String("signal_id", sig.ID),
		zap.String("title", draft.Title))
	return nil
}

// draftPost produces the suggested post content, falling back to a
// deterministic draft when the model is unavailable or answers badly.
func (s *Service) draftPost(ctx context.Context, sig *store.Signal) draftPayload {
	fallback := deterministicDraft(sig)
	if !s.client.Available() {
		return fallback
	}

	collections, err := s.db.ListCollections(ctx)
	if err != nil {
		s.logger.Warn("listing collections failed", zap.Error(err))
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		System:    draftSystemPrompt,
		Prompt:    buildDraftPrompt(sig, collections),
		MaxTokens: 1024,
	})
	if err != nil {
		s.logger.Warn("post drafting failed, using deterministic draft",
			zap.String("signal_id", sig.ID), zap.Error(err))
		return fallback
	}

	var draft draftPayload
	if err := llm.DecodeJSON(resp.Text, &draft); err != nil || strings.TrimSpace(draft.Title) == "" {
		s.logger.Warn("post draft malformed, using deterministic draft",
			zap.String("signal_id", sig.ID))
		return fallback
	}
	if !collectionExists(collections, draft.CollectionID) {
		draft.CollectionID = ""
	}
	return draft
}

func buildDraftPrompt(sig *store.Signal, collections []*store.Collection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signal type: %s\nSummary: %s\n", sig.Type, sig.Summary)
	if sig.ImplicitNeed != "" {
		fmt.Fprintf(&b, "Underlying need: %s\n", sig.ImplicitNeed)
	}
	if len(sig.Evidence) > 0 {
		b.WriteString("Customer quotes:\n")
		for _, quote := range sig.Evidence {
			fmt.Fprintf(&b, "- %q\n", quote)
		}
	}
	if len(collections) > 0 {
		b.WriteString("\nAvailable collections:\n")
		for _, c := range collections {
			fmt.Fprintf(&b, "- %s: %s\n", c.ID, c.Name)
		}
	}
	return b.String()
}

// deterministicDraft builds a usable post straight from the signal.
func deterministicDraft(sig *store.Signal) draftPayload {
	var body strings.Builder
	if sig.ImplicitNeed != "" {
		body.WriteString(sig.ImplicitNeed)
		body.WriteString("\n")
	}
	for _, quote := range sig.Evidence {
		fmt.Fprintf(&body, "\n> %s", quote)
	}
	return draftPayload{
		Title: sig.Summary,
		Body:  strings.TrimSpace(body.String()),
	}
}

func collectionExists(collections []*store.Collection, id string) bool {
	if id == "" {
		return false
	}
	for _, c := range collections {
		if c.ID == id {
			return true
		}
	}
	return false
}

// failSignal marks the signal failed and still runs the item fan-in so a
// failed last signal cannot strand the item in interpreting.
func (s *Service) failSignal(ctx context.Context, sig *store.Signal, cause error) error {
	if llm.IsRetryable(cause) {
		// Leave the signal in interpreting; the worker retry or the stuck
		// sweep resets it.
		return cause
	}
	if err := s.db.MarkSignalFailed(ctx, sig.ID, cause.Error()); err != nil {
		s.logger.Error("marking signal failed",
			zap.String("signal_id", sig.ID), zap.Error(err))
	}
	s.logger.Error("interpretation failed permanently",
		zap.String("signal_id", sig.ID), zap.Error(cause))
	if err := s.completeItemIfDone(ctx, sig.ItemID); err != nil {
		s.logger.Error("item fan-in after signal failure",
			zap.String("item_id", sig.ItemID), zap.Error(err))
	}
	return cause
}

// completeItemIfDone transitions the owning item out of interpreting once
// every sibling signal is terminal. Racing signals both observe the final
// set; the conditional transition lets exactly one win.
func (s *Service) completeItemIfDone(ctx context.Context, itemID string) error {
	states, err := s.db.SignalStates(ctx, itemID)
	if err != nil {
		return fmt.Errorf("loading signal states: %w", err)
	}

	anyFailed := false
	for _, state := range states {
		if !state.Terminal() {
			return nil
		}
		if state == store.SignalFailed {
			anyFailed = true
		}
	}

	if anyFailed {
		err = s.db.TransitionItem(ctx, itemID, store.ItemInterpreting, store.ItemFailed)
		if err == nil {
			err = s.db.MarkItemFailed(ctx, itemID, "one or more signals failed interpretation")
		}
	} else {
		err = s.db.TransitionItem(ctx, itemID, store.ItemInterpreting, store.ItemCompleted)
	}
	if err != nil && !errors.Is(err, store.ErrInvalidState) {
		return fmt.Errorf("completing item: %w", err)
	}
	if err == nil {
		s.logger.Info("item interpretation finished",
			zap.String("item_id", itemID),
			zap.Bool("failed_signals", anyFailed))
	}
	return nil
}

// embeddingText is the canonical text embedded for a signal.
func embeddingText(sig *store.Signal) string {
	if sig.ImplicitNeed == "" {
		return sig.Summary
	}
	return sig.Summary + "\n" + sig.ImplicitNeed
}
