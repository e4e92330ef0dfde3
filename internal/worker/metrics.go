package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts handled requests.
	// Labels: kind, result (success, error, expired, stopped)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Total number of worker requests by kind and result",
		},
		[]string{"kind", "result"},
	)

	// RequestDuration tracks time from dequeue to reply.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recall",
			Subsystem: "worker",
			Name:      "request_duration_seconds",
			Help:      "Duration of worker request handling in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// QueueDepth is the number of requests waiting for the worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recall",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Number of requests waiting in the worker queue",
		},
	)

	// StateGauge is 1 for the worker's current state and 0 otherwise.
	StateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "recall",
			Subsystem: "worker",
			Name:      "state",
			Help:      "Current worker state (1 for the active state)",
		},
		[]string{"state"},
	)

	// FallbackSwitches counts switches from the primary to the fallback store.
	FallbackSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "worker",
			Name:      "fallback_switches_total",
			Help:      "Total number of switches to the fallback store",
		},
	)

	// Reinitializations counts attempts to return to the primary store.
	// Labels: result (success, error)
	Reinitializations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "worker",
			Name:      "reinitializations_total",
			Help:      "Total number of primary store reinitialization attempts",
		},
		[]string{"result"},
	)
)

func setStateGauge(current State) {
	for _, s := range []State{StateUninitialized, StateReadyPrimary, StateReadyFallback, StateStopped} {
		v := 0.0
		if s == current {
			v = 1
		}
		StateGauge.WithLabelValues(string(s)).Set(v)
	}
}
