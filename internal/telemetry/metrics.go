package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments recorded across the pipeline.
// All methods are safe on a nil receiver, so components can treat the
// metrics handle as optional.
type Metrics struct {
	eventsAppended      metric.Int64Counter
	eventsConsolidated  metric.Int64Counter
	consolidateFailures metric.Int64Counter
	candidates          metric.Int64Counter
	traversals          metric.Int64Counter
	consolidateBatchDur metric.Float64Histogram
	traversalDur        metric.Float64Histogram
}

// NewMetrics creates the instrument set on a meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.eventsAppended, err = meter.Int64Counter("tracegraph.ledger.appends",
		metric.WithDescription("Ledger append outcomes by status")); err != nil {
		return nil, fmt.Errorf("creating append counter: %w", err)
	}
	if m.eventsConsolidated, err = meter.Int64Counter("tracegraph.consolidation.events",
		metric.WithDescription("Events consolidated into the graph")); err != nil {
		return nil, fmt.Errorf("creating consolidation counter: %w", err)
	}
	if m.consolidateFailures, err = meter.Int64Counter("tracegraph.consolidation.failures",
		metric.WithDescription("Events that exhausted their retry budget")); err != nil {
		return nil, fmt.Errorf("creating failure counter: %w", err)
	}
	if m.candidates, err = meter.Int64Counter("tracegraph.extraction.candidates",
		metric.WithDescription("Extraction candidates by validation outcome")); err != nil {
		return nil, fmt.Errorf("creating candidate counter: %w", err)
	}
	if m.traversals, err = meter.Int64Counter("tracegraph.retrieval.traversals",
		metric.WithDescription("Retrieval traversals by truncation outcome")); err != nil {
		return nil, fmt.Errorf("creating traversal counter: %w", err)
	}
	if m.consolidateBatchDur, err = meter.Float64Histogram("tracegraph.consolidation.batch_seconds",
		metric.WithDescription("Consolidation batch duration")); err != nil {
		return nil, fmt.Errorf("creating batch histogram: %w", err)
	}
	if m.traversalDur, err = meter.Float64Histogram("tracegraph.retrieval.traversal_seconds",
		metric.WithDescription("Retrieval traversal duration")); err != nil {
		return nil, fmt.Errorf("creating traversal histogram: %w", err)
	}
	return m, nil
}

// RecordAppend counts a ledger append by status.
func (m *Metrics) RecordAppend(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordConsolidated counts a consolidated event.
func (m *Metrics) RecordConsolidated(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsConsolidated.Add(ctx, 1)
}

// RecordConsolidationFailure counts an event marked unconsolidated.
func (m *Metrics) RecordConsolidationFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.consolidateFailures.Add(ctx, 1)
}

// RecordCandidate counts an extraction candidate outcome
// (accepted, rejected, staged, reinforced, superseded, noop).
func (m *Metrics) RecordCandidate(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.candidates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTraversal counts a traversal and its duration.
func (m *Metrics) RecordTraversal(ctx context.Context, truncated bool, seconds float64) {
	if m == nil {
		return
	}
	m.traversals.Add(ctx, 1, metric.WithAttributes(attribute.Bool("truncated", truncated)))
	m.traversalDur.Record(ctx, seconds)
}

// RecordBatch records a consolidation batch duration.
func (m *Metrics) RecordBatch(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.consolidateBatchDur.Record(ctx, seconds)
}
