package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/fyrsmithlabs/recall/internal/embeddings"

// Cache lookup outcomes recorded by RecordCache.
const (
	cacheL1Hit = "l1_hit"
	cacheL2Hit = "l2_hit"
	cacheMiss  = "miss"
)

// Metrics holds all embedding-related metrics.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
	cache     metric.Int64Counter
	fallbacks metric.Int64Counter
	retries   metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for embeddings.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(embeddingsInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"recall.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of provider embedding calls in seconds, labeled by model and operation (embed, embed_batch)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"recall.embedding.batch_size",
		metric.WithDescription("Number of texts per provider call."),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"recall.embedding.errors_total",
		metric.WithDescription("Total failed provider calls by model and operation, after retries."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.cache, err = m.meter.Int64Counter(
		"recall.embedding.cache_lookups_total",
		metric.WithDescription("Embedding cache lookups by result (l1_hit, l2_hit, miss)."),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache counter", zap.Error(err))
	}

	m.fallbacks, err = m.meter.Int64Counter(
		"recall.embedding.fallbacks_total",
		metric.WithDescription("Texts that received a fallback vector because the provider failed."),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		m.logger.Warn("failed to create fallbacks counter", zap.Error(err))
	}

	m.retries, err = m.meter.Int64Counter(
		"recall.embedding.retries_total",
		metric.WithDescription("Provider call retries by model."),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retries counter", zap.Error(err))
	}
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordCache records n cache lookups with the given result.
func (m *Metrics) RecordCache(ctx context.Context, result string, n int) {
	if m.cache != nil && n > 0 {
		m.cache.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordFallback records n texts served a fallback vector.
func (m *Metrics) RecordFallback(ctx context.Context, model string, n int) {
	if m.fallbacks != nil && n > 0 {
		m.fallbacks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordRetry records one retried provider call.
func (m *Metrics) RecordRetry(ctx context.Context, model string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
	}
}
