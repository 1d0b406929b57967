// Package ingest accepts raw feedback seeds and starts their lifecycle.
//
// Ingestion is idempotent against at-least-once delivery from upstream
// connectors: the (source, dedupe key) pair is unique, and re-ingesting
// the same external event returns the existing item.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/feedbackd/internal/metrics"
	"github.com/fyrsmithlabs/feedbackd/internal/queue"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyContent indicates a seed with no usable text.
var ErrEmptyContent = errors.New("seed has no content")

// Author describes who submitted the feedback, as known to the connector.
type Author struct {
	Email          string `json:"email,omitempty"`
	ExternalUserID string `json:"externalUserId,omitempty"`
	IdentityID     string `json:"identityId,omitempty"`
	Name           string `json:"name,omitempty"`
}

// Content is the free-form feedback text.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
}

// Seed is the inbound feedback contract connectors deliver.
type Seed struct {
	ExternalID      string          `json:"externalId"`
	ExternalURL     string          `json:"externalUrl,omitempty"`
	SourceCreatedAt string          `json:"sourceCreatedAt,omitempty"`
	Author          Author          `json:"author"`
	Content         Content         `json:"content"`
	ContextEnvelope json.RawMessage `json:"contextEnvelope,omitempty"`

	// OriginPostID links a native seed back to the post it was written on.
	OriginPostID string `json:"originPostId,omitempty"`
}

// SourceContext identifies where a seed came from.
type SourceContext struct {
	SourceID   string `json:"sourceId"`
	SourceType string `json:"sourceType"`
}

// Result reports the outcome of one ingestion call.
type Result struct {
	ItemID       string `json:"itemId"`
	Deduplicated bool   `json:"deduplicated"`
}

// Service ingests feedback seeds.
type Service struct {
	db      *store.DB
	queue   queue.Enqueuer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates an ingestion service. m may be nil to run
// uninstrumented.
func NewService(db *store.DB, q queue.Enqueuer, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("store cannot be nil")
	}
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, queue: q, metrics: m, logger: logger}, nil
}

// Ingest deduplicates and persists a seed, then schedules context
// enrichment. Safe to call arbitrarily many times for the same external
// event: repeats return the existing item with Deduplicated set.
func (s *Service) Ingest(ctx context.Context, seed Seed, src SourceContext) (*Result, error) {
	if seed.ExternalID == "" {
		return nil, errors.New("seed external id cannot be empty")
	}
	if seed.Content.Text == "" && seed.Content.Subject == "" {
		return nil, ErrEmptyContent
	}

	dedupeKey := src.SourceType + ":" + seed.ExternalID

	existing, err := s.db.FindItemByDedupeKey(ctx, src.SourceID, dedupeKey)
	if err == nil {
		s.logger.Debug("seed deduplicated",
			zap.String("item_id", existing.ID),
			zap.String("dedupe_key", dedupeKey))
		s.metrics.ItemDeduplicated(ctx, src.SourceType)
		return &Result{ItemID: existing.ID, Deduplicated: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up dedupe key: %w", err)
	}

	item := &store.RawItem{
		ID:               uuid.New().String(),
		SourceID:         src.SourceID,
		SourceType:       src.SourceType,
		ExternalID:       seed.ExternalID,
		DedupeKey:        dedupeKey,
		ExternalURL:      seed.ExternalURL,
		AuthorEmail:      seed.Author.Email,
		AuthorExternalID: seed.Author.ExternalUserID,
		AuthorIdentityID: seed.Author.IdentityID,
		AuthorName:       seed.Author.Name,
		Subject:          seed.Content.Subject,
		Body:             seed.Content.Text,
		ContextJSON:      string(seed.ContextEnvelope),
		OriginPostID:     seed.OriginPostID,
		State:            store.ItemPendingContext,
	}

	if err := s.db.InsertItem(ctx, item); err != nil {
		// A concurrent ingest of the same event may have won the race on
		// the unique constraint. Re-read and report the duplicate.
		if winner, lookupErr := s.db.FindItemByDedupeKey(ctx, src.SourceID, dedupeKey); lookupErr == nil {
			s.metrics.ItemDeduplicated(ctx, src.SourceType)
			return &Result{ItemID: winner.ID, Deduplicated: true}, nil
		}
		return nil, fmt.Errorf("persisting item: %w", err)
	}

	// Exactly one enqueue per newly-created item.
	if err := s.queue.EnqueueEnrichment(ctx, item.ID); err != nil {
		// The item is durable; the stuck-recovery sweep will re-derive the
		// pending work even if this trigger is lost.
		s.logger.Warn("enqueue failed after insert, relying on sweep",
			zap.String("item_id", item.ID),
			zap.Error(err))
	}

	s.metrics.ItemIngested(ctx, src.SourceType)
	s.logger.Info("feedback ingested",
		zap.String("item_id", item.ID),
		zap.String("source_type", src.SourceType),
		zap.String("external_id", seed.ExternalID))

	return &Result{ItemID: item.ID, Deduplicated: false}, nil
}
