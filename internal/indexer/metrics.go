package indexer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/havenhealth/indexd/internal/indexer"

// Metrics holds indexing pipeline metrics.
type Metrics struct {
	meter           metric.Meter
	logger          *zap.Logger
	rebuildDuration metric.Float64Histogram
	documents       metric.Int64Counter
	chunks          metric.Int64Counter
	entries         metric.Int64Counter
}

// NewMetrics creates a Metrics instance. A nil logger defaults to a
// no-op logger.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.rebuildDuration, err = m.meter.Float64Histogram(
		"indexd.rebuild.duration_seconds",
		metric.WithDescription("Duration of full tradition rebuilds in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		m.logger.Warn("failed to create rebuild duration histogram", zap.Error(err))
	}

	m.documents, err = m.meter.Int64Counter(
		"indexd.rebuild.documents_total",
		metric.WithDescription("Documents handled during rebuilds, by outcome (processed, skipped, failed)"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		m.logger.Warn("failed to create documents counter", zap.Error(err))
	}

	m.chunks, err = m.meter.Int64Counter(
		"indexd.rebuild.chunks_total",
		metric.WithDescription("Chunks handled during rebuilds, by outcome (indexed, failed)"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		m.logger.Warn("failed to create chunks counter", zap.Error(err))
	}

	m.entries, err = m.meter.Int64Counter(
		"indexd.journal.entries_total",
		metric.WithDescription("Journal entries indexed, by outcome (indexed, failed)"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create entries counter", zap.Error(err))
	}
}

// RecordRebuild records the outcome of one rebuild.
func (m *Metrics) RecordRebuild(ctx context.Context, tradition string, duration time.Duration) {
	if m.rebuildDuration != nil {
		m.rebuildDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("tradition", tradition)))
	}
}

// RecordDocument counts one document by outcome.
func (m *Metrics) RecordDocument(ctx context.Context, tradition, outcome string) {
	if m.documents != nil {
		m.documents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tradition", tradition),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordChunks counts chunks by outcome.
func (m *Metrics) RecordChunks(ctx context.Context, tradition, outcome string, n int) {
	if m.chunks != nil && n > 0 {
		m.chunks.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("tradition", tradition),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordEntry counts one journal entry by outcome.
func (m *Metrics) RecordEntry(ctx context.Context, tradition, outcome string) {
	if m.entries != nil {
		m.entries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tradition", tradition),
			attribute.String("outcome", outcome),
		))
	}
}
