// Package queue provides job orchestration over NATS.
//
// The queue is a trigger, never the source of truth: every handler guards
// itself with a conditional state read, so lost, duplicated, or late jobs
// are safe. Three independent subjects carry the pipeline's work:
// ingestion (I/O-bound, higher concurrency), AI calls (concurrency 1 per
// process to respect provider rate limits), and maintenance.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects for the three work queues.
const (
	// SubjectIngestion carries context-enrichment jobs for new items.
	SubjectIngestion = "feedbackd.jobs.ingestion"

	// SubjectAI carries extraction and interpretation jobs.
	SubjectAI = "feedbackd.jobs.ai"

	// SubjectMaintenance carries periodic sweep triggers.
	SubjectMaintenance = "feedbackd.jobs.maintenance"
)

// Job kinds.
const (
	// KindEnrichItem resolves author identity and readies an item for
	// extraction.
	KindEnrichItem = "enrich_item"

	// KindExtractSignals runs signal extraction for one item.
	KindExtractSignals = "extract_signals"

	// KindInterpretSignal runs interpretation for one signal.
	KindInterpretSignal = "interpret_signal"

	// KindSweep runs one stuck-recovery sweep.
	KindSweep = "sweep"
)

// Job is the payload published to a work subject.
type Job struct {
	Kind     string `json:"kind"`
	ItemID   string `json:"item_id,omitempty"`
	SignalID string `json:"signal_id,omitempty"`
}

// Enqueuer is the scheduling boundary the pipeline services publish
// through.
type Enqueuer interface {
	// EnqueueEnrichment schedules context enrichment for a new item.
	EnqueueEnrichment(ctx context.Context, itemID string) error

	// EnqueueExtraction schedules signal extraction for an item.
	EnqueueExtraction(ctx context.Context, itemID string) error

	// EnqueueInterpretation schedules interpretation for a signal.
	EnqueueInterpretation(ctx context.Context, signalID string) error
}

// Queue publishes jobs to NATS subjects.
type Queue struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// New creates a Queue over an established NATS connection.
func New(nc *nats.Conn, logger *zap.Logger) (*Queue, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{nc: nc, logger: logger}, nil
}

// EnqueueEnrichment schedules context enrichment for a new item.
func (q *Queue) EnqueueEnrichment(ctx context.Context, itemID string) error {
	return q.publish(SubjectIngestion, Job{Kind: KindEnrichItem, ItemID: itemID})
}

// EnqueueExtraction schedules signal extraction for an item.
func (q *Queue) EnqueueExtraction(ctx context.Context, itemID string) error {
	return q.publish(SubjectAI, Job{Kind: KindExtractSignals, ItemID: itemID})
}

// EnqueueInterpretation schedules interpretation for a signal.
func (q *Queue) EnqueueInterpretation(ctx context.Context, signalID string) error {
	return q.publish(SubjectAI, Job{Kind: KindInterpretSignal, SignalID: signalID})
}

// EnqueueSweep triggers one maintenance sweep.
func (q *Queue) EnqueueSweep(ctx context.Context) error {
	return q.publish(SubjectMaintenance, Job{Kind: KindSweep})
}

func (q *Queue) publish(subject string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := q.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	q.logger.Debug("job enqueued",
		zap.String("subject", subject),
		zap.String("kind", job.Kind),
		zap.String("item_id", job.ItemID),
		zap.String("signal_id", job.SignalID),
	)
	return nil
}

var _ Enqueuer = (*Queue)(nil)
