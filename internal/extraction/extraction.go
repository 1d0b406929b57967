// Package extraction turns raw feedback items into structured signals.
//
// It owns two pipeline stages: context enrichment, which resolves the
// author to an internal identity, and signal extraction, which runs the
// quality gate and the extraction model. Every entry point is guarded by
// a conditional state transition, so duplicate or stale jobs are no-ops.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/feedbackd/internal/gate"
	"github.com/fyrsmithlabs/feedbackd/internal/identity"
	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/metrics"
	"github.com/fyrsmithlabs/feedbackd/internal/queue"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"go.uber.org/zap"
)

const (
	// promptVersion is stamped on every signal for audit trails. Bump when
	// the extraction prompt changes materially.
	promptVersion = "v1"

	// minConfidence is the floor below which extracted signals are dropped.
	minConfidence = 0.5

	// maxSignalsPerItem caps how many signals one item may produce.
	maxSignalsPerItem = 5

	// maxAttempts after which an item is failed permanently instead of
	// retried.
	maxAttempts = 3
)

// Service runs enrichment and extraction for raw items.
type Service struct {
	db       *store.DB
	resolver *identity.Resolver
	gate     *gate.Gate
	client   llm.Client
	queue    queue.Enqueuer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates the extraction service.
func NewService(db *store.DB, resolver *identity.Resolver, g *gate.Gate, client llm.Client, q queue.Enqueuer, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("store cannot be nil")
	}
	if resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if g == nil {
		return nil, errors.New("gate cannot be nil")
	}
	if client == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, resolver: resolver, gate: g, client: client, queue: q, metrics: m, logger: logger}, nil
}

// EnrichItem resolves the item's author identity and readies it for
// extraction. Safe to call more than once: only items still pending
// context are touched.
func (s *Service) EnrichItem(ctx context.Context, itemID string) error {
	item, err := s.db.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Unrecoverable(fmt.Errorf("item %s not found", itemID))
		}
		return fmt.Errorf("loading item: %w", err)
	}
	if item.State != store.ItemPendingContext {
		s.logger.Debug("enrichment skipped, item already past pending context",
			zap.String("item_id", itemID),
			zap.String("state", string(item.State)))
		return nil
	}

	author := ingest.Author{
		Email:          item.AuthorEmail,
		ExternalUserID: item.AuthorExternalID,
		IdentityID:     item.AuthorIdentityID,
		Name:           item.AuthorName,
	}
	identityID, err := s.resolver.Resolve(ctx, author, item.SourceType)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}
	if identityID != "" {
		if err := s.db.SetItemIdentity(ctx, itemID, identityID); err != nil {
			return fmt.Errorf("recording identity: %w", err)
		}
	}

	if err := s.db.TransitionItem(ctx, itemID, store.ItemPendingContext, store.ItemReadyForExtraction); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			// A concurrent enrichment won the transition.
			return nil
		}
		return fmt.Errorf("transitioning item: %w", err)
	}

	if err := s.queue.EnqueueExtraction(ctx, itemID); err != nil {
		// The item is durably ready; the sweep picks it up if the trigger
		// is lost.
		s.logger.Warn("enqueueing extraction failed",
			zap.String("item_id", itemID), zap.Error(err))
	}
	return nil
}

// ExtractSignals runs the quality gate and the extraction model for one
// item, replaces its signals, and hands them to interpretation.
func (s *Service) ExtractSignals(ctx context.Context, itemID string) error {
	item, err := s.claimItem(ctx, itemID)
	if err != nil || item == nil {
		return err
	}

	start := time.Now()
	if err := s.db.IncrementItemAttempts(ctx, itemID); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	item.AttemptCount++

	decision := s.gate.ShouldExtract(ctx, item)
	if !decision.Extract {
		s.metrics.GateSkip(ctx, item.SourceType)
		s.logger.Info("item skipped by quality gate",
			zap.String("item_id", itemID),
			zap.String("reason", decision.Reason))
		return s.db.TransitionItem(ctx, itemID, store.ItemExtracting, store.ItemCompleted)
	}

	signals, usage, err := s.extract(ctx, item)
	if err != nil {
		return s.handleFailure(ctx, item, err)
	}

	if err := s.db.ReplaceSignals(ctx, itemID, signals); err != nil {
		return fmt.Errorf("persisting signals: %w", err)
	}
	if err := s.db.RecordItemUsage(ctx, itemID, usage.model, usage.promptTokens, usage.completionTokens); err != nil {
		s.logger.Warn("recording model usage failed",
			zap.String("item_id", itemID), zap.Error(err))
	}
	s.metrics.ExtractionDuration(ctx, time.Since(start).Seconds())

	if len(signals) == 0 {
		s.logger.Info("no signals extracted",
			zap.String("item_id", itemID))
		return s.db.TransitionItem(ctx, itemID, store.ItemExtracting, store.ItemCompleted)
	}

	if err := s.db.TransitionItem(ctx, itemID, store.ItemExtracting, store.ItemInterpreting); err != nil {
		return fmt.Errorf("transitioning item: %w", err)
	}
	for _, sig := range signals {
		s.metrics.SignalsExtracted(ctx, 1, string(sig.Type))
		if err := s.queue.EnqueueInterpretation(ctx, sig.ID); err != nil {
			s.logger.Warn("enqueueing interpretation failed",
				zap.String("signal_id", sig.ID), zap.Error(err))
		}
	}

	s.logger.Info("signals extracted",
		zap.String("item_id", itemID),
		zap.Int("count", len(signals)))
	return nil
}

// claimItem moves the item into the extracting state, tolerating retries
// of a run that already claimed it. Returns (nil, nil) when the job is
// stale.
func (s *Service) claimItem(ctx context.Context, itemID string) (*store.RawItem, error) {
	err := s.db.TransitionItem(ctx, itemID, store.ItemReadyForExtraction, store.ItemExtracting)
	if err != nil && !errors.Is(err, store.ErrInvalidState) {
		return nil, fmt.Errorf("claiming item: %w", err)
	}

	item, err := s.db.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, queue.Unrecoverable(fmt.Errorf("item %s not found", itemID))
		}
		return nil, fmt.Errorf("loading item: %w", err)
	}
	if item.State != store.ItemExtracting {
		s.logger.Debug("extraction skipped, item not claimable",
			zap.String("item_id", itemID),
			zap.String("state", string(item.State)))
		return nil, nil
	}
	return item, nil
}

// handleFailure decides between retry and permanent failure for an
// extraction error.
func (s *Service) handleFailure(ctx context.Context, item *store.RawItem, cause error) error {
	permanent := !llm.IsRetryable(cause) && !isTransient(cause)
	if permanent || item.AttemptCount >= maxAttempts {
		if err := s.db.MarkItemFailed(ctx, item.ID, cause.Error()); err != nil {
			s.logger.Error("marking item failed",
				zap.String("item_id", item.ID), zap.Error(err))
		}
		s.logger.Error("extraction failed permanently",
			zap.String("item_id", item.ID),
			zap.Int("attempts", item.AttemptCount),
			zap.Error(cause))
		return queue.Unrecoverable(cause)
	}
	// Leave the item in extracting; the worker retry or the stuck sweep
	// resets it.
	return fmt.Errorf("extracting signals for %s: %w", item.ID, cause)
}

// isTransient reports whether the error is worth retrying even though the
// client did not flag it, such as a network timeout.
func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

type modelUsage struct {
	model            string
	promptTokens     int
	completionTokens int
}

// signalPayload is the JSON shape the extraction model returns per signal.
type signalPayload struct {
	Type         string   `json:"type"`
	Summary      string   `json:"summary"`
	ImplicitNeed string   `json:"implicitNeed"`
	Evidence     []string `json:"evidence"`
	Confidence   float64  `json:"confidence"`
	Sentiment    string   `json:"sentiment"`
	Urgency      string   `json:"urgency"`
}

const extractionSystemPrompt = `You analyze customer feedback for a product team. Extract the distinct product signals the message contains.

Each signal has:
- "type": one of feature_request, bug_report, usability_issue, question, praise, complaint, churn_risk
- "summary": one sentence describing the signal in product terms
- "implicitNeed": the underlying customer need, even if unstated
- "evidence": short verbatim quotes from the message supporting the signal
- "confidence": 0.0 to 1.0, how certain you are this signal is really present
- "sentiment": positive, neutral, or negative
- "urgency": low, medium, or high

Extract at most five signals. If the message carries no product signal, return an empty array.

Respond with ONLY a JSON object: {"signals": [...]}`

// extract calls the model and converts the validated payload into store
// signals.
func (s *Service) extract(ctx context.Context, item *store.RawItem) ([]*store.Signal, modelUsage, error) {
	if !s.client.Available() {
		return nil, modelUsage{}, queue.Unrecoverable(llm.ErrNotConfigured)
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		System:    extractionSystemPrompt,
		Prompt:    buildExtractionPrompt(item),
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, modelUsage{}, err
	}

	// RawMessage distinguishes a missing signals array from an empty one:
	// "no signals found" is a valid verdict, a response without the array
	// is structurally malformed and must not complete the item.
	var payload struct {
		Signals json.RawMessage `json:"signals"`
	}
	if err := llm.DecodeJSON(resp.Text, &payload); err != nil {
		return nil, modelUsage{}, err
	}
	if len(payload.Signals) == 0 || string(payload.Signals) == "null" {
		return nil, modelUsage{}, errors.New("model response missing signals array")
	}
	var candidates []signalPayload
	if err := json.Unmarshal(payload.Signals, &candidates); err != nil {
		return nil, modelUsage{}, fmt.Errorf("malformed signals array: %w", err)
	}

	now := time.Now()
	var signals []*store.Signal
	for _, p := range candidates {
		if len(signals) >= maxSignalsPerItem {
			break
		}
		if p.Confidence < minConfidence {
			continue
		}
		if !store.ValidSignalType(store.SignalType(p.Type)) || strings.TrimSpace(p.Summary) == "" {
			s.logger.Debug("dropping malformed signal candidate",
				zap.String("item_id", item.ID),
				zap.String("type", p.Type))
			continue
		}
		signals = append(signals, &store.Signal{
			ID:              uuid.New().String(),
			ItemID:          item.ID,
			Type:            store.SignalType(p.Type),
			Summary:         p.Summary,
			ImplicitNeed:    p.ImplicitNeed,
			Evidence:        p.Evidence,
			Confidence:      p.Confidence,
			Sentiment:       p.Sentiment,
			Urgency:         p.Urgency,
			ExtractionModel: resp.Model,
			PromptVersion:   promptVersion,
			State:           store.SignalPendingInterpretation,
			CreatedAt:       now,
			StateChangedAt:  now,
		})
	}

	usage := modelUsage{
		model:            resp.Model,
		promptTokens:     resp.Usage.PromptTokens,
		completionTokens: resp.Usage.CompletionTokens,
	}
	return signals, usage, nil
}

// buildExtractionPrompt renders the item for the extraction model.
func buildExtractionPrompt(item *store.RawItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", item.SourceType)
	if item.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", item.Subject)
	}
	fmt.Fprintf(&b, "Message:\n%s\n", item.Body)
	if item.ContextJSON != "" {
		fmt.Fprintf(&b, "\nConversation context:\n%s\n", item.ContextJSON)
	}
	return b.String()
}
