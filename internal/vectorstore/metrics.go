package vectorstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend, op (store, search, delete, health), result (success, error, caller_error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recall",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// VectorsTotal is the number of vectors currently indexed.
	VectorsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "recall",
			Subsystem: "vectorstore",
			Name:      "vectors",
			Help:      "Number of vectors currently indexed",
		},
		[]string{"backend"},
	)

	// SalvageTotal counts recoveries from unreadable or inconsistent artifacts.
	// Labels: mode (index_only, sidecar_only, fresh)
	SalvageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "vectorstore",
			Name:      "salvage_total",
			Help:      "Total number of index salvage operations by mode",
		},
		[]string{"mode"},
	)

	// QuarantinedFiles counts artifacts moved aside as corrupt.
	QuarantinedFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "vectorstore",
			Name:      "quarantined_files_total",
			Help:      "Total number of corrupt index artifacts quarantined",
		},
	)

	// DirFallback is 1 when the file store runs from a fallback directory.
	DirFallback = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recall",
			Subsystem: "vectorstore",
			Name:      "dir_fallback",
			Help:      "Whether the file store is using a fallback directory (1) or the configured one (0)",
		},
	)
)

// observe records one operation's outcome and latency.
func observe(backend, op string, start time.Time, err error) {
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues(backend, op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsCallerError(err):
		return "caller_error"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
