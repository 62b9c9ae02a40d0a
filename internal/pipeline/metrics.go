// ABOUTME: Prometheus metrics for the attachment pipeline
// ABOUTME: Counts fetches, coalesced waiters, uploads, failures and stage transitions

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	fetches     prometheus.Counter
	coalesced   prometheus.Counter
	uploads     prometheus.Counter
	inFlight    prometheus.Gauge
	failures    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg. A nil reg gives
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Subsystem: "pipeline",
			Name:      "fetches_total",
			Help:      "Network fetches performed",
		}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Subsystem: "pipeline",
			Name:      "coalesced_waiters_total",
			Help:      "Fetch waiters served by a shared fetch",
		}),
		uploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "localstore",
			Subsystem: "pipeline",
			Name:      "uploads_total",
			Help:      "Assets uploaded",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "localstore",
			Subsystem: "pipeline",
			Name:      "tasks_in_flight",
			Help:      "Asset tasks currently running",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localstore",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Failed asset tasks by role",
		}, []string{"role"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localstore",
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "Applied asset stage transitions by role and stage",
		}, []string{"role", "stage"}),
	}
}
