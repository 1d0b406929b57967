// Package metrics defines the pipeline's OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments the pipeline records into. A nil *Metrics
// is valid and records nothing, so services can run uninstrumented in
// tests.
type Metrics struct {
	itemsIngested      metric.Int64Counter
	itemsDeduplicated  metric.Int64Counter
	gateSkips          metric.Int64Counter
	signalsExtracted   metric.Int64Counter
	suggestionsCreated metric.Int64Counter
	sweepRecoveries    metric.Int64Counter
	extractionSeconds  metric.Float64Histogram
	interpretSeconds   metric.Float64Histogram
}

// New registers the pipeline instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.itemsIngested, err = meter.Int64Counter("feedbackd.items.ingested",
		metric.WithDescription("Raw feedback items accepted for processing")); err != nil {
		return nil, fmt.Errorf("creating items.ingested counter: %w", err)
	}
	if m.itemsDeduplicated, err = meter.Int64Counter("feedbackd.items.deduplicated",
		metric.WithDescription("Ingestion requests answered from an existing item")); err != nil {
		return nil, fmt.Errorf("creating items.deduplicated counter: %w", err)
	}
	if m.gateSkips, err = meter.Int64Counter("feedbackd.gate.skips",
		metric.WithDescription("Items the quality gate kept out of extraction")); err != nil {
		return nil, fmt.Errorf("creating gate.skips counter: %w", err)
	}
	if m.signalsExtracted, err = meter.Int64Counter("feedbackd.signals.extracted",
		metric.WithDescription("Signals persisted by extraction")); err != nil {
		return nil, fmt.Errorf("creating signals.extracted counter: %w", err)
	}
	if m.suggestionsCreated, err = meter.Int64Counter("feedbackd.suggestions.created",
		metric.WithDescription("Merge and create suggestions produced by interpretation")); err != nil {
		return nil, fmt.Errorf("creating suggestions.created counter: %w", err)
	}
	if m.sweepRecoveries, err = meter.Int64Counter("feedbackd.sweep.recoveries",
		metric.WithDescription("Stuck items and signals recovered by the maintenance sweep")); err != nil {
		return nil, fmt.Errorf("creating sweep.recoveries counter: %w", err)
	}
	if m.extractionSeconds, err = meter.Float64Histogram("feedbackd.extraction.duration",
		metric.WithDescription("Signal extraction duration per item"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating extraction.duration histogram: %w", err)
	}
	if m.interpretSeconds, err = meter.Float64Histogram("feedbackd.interpretation.duration",
		metric.WithDescription("Interpretation duration per signal"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating interpretation.duration histogram: %w", err)
	}
	return m, nil
}

// ItemIngested records one accepted item from the given source type.
func (m *Metrics) ItemIngested(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.itemsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

// ItemDeduplicated records one deduplicated ingestion request.
func (m *Metrics) ItemDeduplicated(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.itemsDeduplicated.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

// GateSkip records one item the gate filtered out.
func (m *Metrics) GateSkip(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.gateSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

// SignalsExtracted records the signals persisted for one item.
func (m *Metrics) SignalsExtracted(ctx context.Context, count int, signalType string) {
	if m == nil {
		return
	}
	m.signalsExtracted.Add(ctx, int64(count), metric.WithAttributes(attribute.String("type", signalType)))
}

// SuggestionCreated records one suggestion of the given type.
func (m *Metrics) SuggestionCreated(ctx context.Context, suggestionType string) {
	if m == nil {
		return
	}
	m.suggestionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("type", suggestionType)))
}

// SweepRecovered records recoveries made by one maintenance sweep.
func (m *Metrics) SweepRecovered(ctx context.Context, count int, kind string) {
	if m == nil || count == 0 {
		return
	}
	m.sweepRecoveries.Add(ctx, int64(count), metric.WithAttributes(attribute.String("kind", kind)))
}

// ExtractionDuration records one extraction run.
func (m *Metrics) ExtractionDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.extractionSeconds.Record(ctx, seconds)
}

// InterpretationDuration records one interpretation run.
func (m *Metrics) InterpretationDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.interpretSeconds.Record(ctx, seconds)
}
