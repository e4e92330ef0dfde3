package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/ingest"
	"github.com/fyrsmithlabs/recall/internal/session"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
	"github.com/fyrsmithlabs/recall/internal/worker"
)

const instrumentationName = "github.com/fyrsmithlabs/recall/internal/mcp"

// Metrics holds the tool call instruments.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates metrics on the global meter provider.
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

	m.invocations, err = m.meter.Int64Counter(
		"recall.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool invocations by tool."),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"recall.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"recall.mcp.tool.errors_total",
		metric.WithDescription("MCP tool errors by tool and reason."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"recall.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in flight."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// RecordInvocation records one finished tool call.
func (m *Metrics) RecordInvocation(ctx context.Context, toolName string, duration time.Duration, err error) {
	tool := attribute.String("tool", toolName)

	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(tool))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(tool))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(tool, attribute.String("reason", categorizeError(err))))
	}
}

// IncrementActive increments the in-flight gauge.
func (m *Metrics) IncrementActive(ctx context.Context, toolName string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

// DecrementActive decrements the in-flight gauge.
func (m *Metrics) DecrementActive(ctx context.Context, toolName string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errQueryRequired), errors.Is(err, errIngestSource), errors.Is(err, errDocumentRequired),
		errors.Is(err, session.ErrInvalidRequest), errors.Is(err, vectorstore.ErrInvalidInput),
		errors.Is(err, ingest.ErrUnsupportedFormat), errors.Is(err, ingest.ErrEmptyDocument):
		return "validation_error"
	case errors.Is(err, worker.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, worker.ErrStopped), errors.Is(err, vectorstore.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "internal_error"
	}
}
