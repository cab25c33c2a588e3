package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InFlight is the number of generation calls currently holding a slot.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrd",
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Generation calls currently admitted",
		},
	)

	// WaitDuration tracks time spent queued for a slot and for spacing.
	WaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchestrd",
			Subsystem: "admission",
			Name:      "wait_duration_seconds",
			Help:      "Time between requesting admission and starting the call",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// RetriesTotal counts retries.
	// Labels: reason (rate_limited, parse, continuation)
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrd",
			Subsystem: "admission",
			Name:      "retries_total",
			Help:      "Additional generation calls issued by the caller",
		},
		[]string{"reason"},
	)

	// EvictionsTotal counts credential states dropped from the registry.
	// Labels: reason (cleanup, capacity)
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrd",
			Subsystem: "admission",
			Name:      "evictions_total",
			Help:      "Credential admission states evicted",
		},
		[]string{"reason"},
	)

	// TrackedCredentials is the size of the credential registry.
	TrackedCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrd",
			Subsystem: "admission",
			Name:      "tracked_credentials",
			Help:      "Credentials with admission state",
		},
	)
)
