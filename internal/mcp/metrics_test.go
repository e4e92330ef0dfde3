package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/ingest"
	"github.com/fyrsmithlabs/recall/internal/session"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
	"github.com/fyrsmithlabs/recall/internal/worker"
)

func TestMetrics_RecordInvocation(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()
	ctx := context.Background()

	m.IncrementActive(ctx, "context_search")
	m.RecordInvocation(ctx, "context_search", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "context_search", 50*time.Millisecond, errQueryRequired)
	m.DecrementActive(ctx, "context_search")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "recall.mcp.tool.invocations_total":
				sum := md.Data.(metricdata.Sum[int64])
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(2), sum.DataPoints[0].Value)
			case "recall.mcp.tool.errors_total":
				sum := md.Data.(metricdata.Sum[int64])
				require.Len(t, sum.DataPoints, 1)
				reason, _ := sum.DataPoints[0].Attributes.Value(attribute.Key("reason"))
				assert.Equal(t, "validation_error", reason.AsString())
			case "recall.mcp.tool.active_requests":
				sum := md.Data.(metricdata.Sum[int64])
				require.Len(t, sum.DataPoints, 1)
				assert.Zero(t, sum.DataPoints[0].Value)
			}
		}
	}
	for _, name := range []string{
		"recall.mcp.tool.invocations_total",
		"recall.mcp.tool.duration_seconds",
		"recall.mcp.tool.errors_total",
		"recall.mcp.tool.active_requests",
	} {
		assert.True(t, found[name], name)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errDocumentRequired, "validation_error"},
		{fmt.Errorf("%w: nested", session.ErrInvalidRequest), "validation_error"},
		{fmt.Errorf("load: %w", ingest.ErrUnsupportedFormat), "validation_error"},
		{fmt.Errorf("%w after 30s", worker.ErrRequestTimeout), "timeout"},
		{worker.ErrStopped, "unavailable"},
		{fmt.Errorf("x: %w", vectorstore.ErrStoreUnavailable), "unavailable"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), fmt.Sprint(tt.err))
	}
}
