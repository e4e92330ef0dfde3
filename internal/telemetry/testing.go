package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// TestTelemetry is a Telemetry that exports to memory, for tests in any
// package that want to assert on spans or metrics.
type TestTelemetry struct {
	*Telemetry

	Exporter *tracetest.InMemoryExporter
	Reader   *sdkmetric.ManualReader
}

// NewTestTelemetry builds an enabled Telemetry with in-memory export and
// shuts it down when tb ends.
func NewTestTelemetry(tb testing.TB) *TestTelemetry {
	tb.Helper()
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	exp := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	tel, err := New(context.Background(), cfg, zap.NewNop(),
		WithSpanExporter(exp), WithMetricReader(reader))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return &TestTelemetry{Telemetry: tel, Exporter: exp, Reader: reader}
}

// Spans flushes and returns every ended span.
func (t *TestTelemetry) Spans(tb testing.TB) tracetest.SpanStubs {
	tb.Helper()
	require.NoError(tb, t.tracerProvider.ForceFlush(context.Background()))
	return t.Exporter.GetSpans()
}

// SpanByName returns the first ended span called name.
func (t *TestTelemetry) SpanByName(tb testing.TB, name string) (tracetest.SpanStub, bool) {
	tb.Helper()
	for _, s := range t.Spans(tb) {
		if s.Name == name {
			return s, true
		}
	}
	return tracetest.SpanStub{}, false
}

// AssertSpanExists fails tb unless a span called name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) tracetest.SpanStub {
	tb.Helper()
	s, ok := t.SpanByName(tb, name)
	require.Truef(tb, ok, "span %q not found", name)
	return s
}

// SpanAttribute returns the value of key on span, if set.
func SpanAttribute(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Collect reads the current metric state.
func (t *TestTelemetry) Collect(tb testing.TB) metricdata.ResourceMetrics {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(tb, t.Reader.Collect(context.Background(), &rm))
	return rm
}

// Reset drops exported spans.
func (t *TestTelemetry) Reset() {
	t.Exporter.Reset()
}
