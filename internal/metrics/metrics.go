// Package metrics holds the Prometheus collectors for the backend pool's own
// domain events, as distinct from internal/httpapi's request-shaped metrics.
// Collectors here are registered against the default registerer at package
// init, exactly like internal/httpapi/metrics.go, so promhttp.Handler()
// picks them up with no further wiring regardless of which package first
// imports this one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// QueueDepth is the number of open requests currently registered against
	// a model's pressure entry (spec.md §3's PressureEntry.count).
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "genpool",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Open requests currently waiting on a model",
		},
		[]string{"model"},
	)

	// BackendUsage is a backend's current in-flight usage count.
	BackendUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "genpool",
			Subsystem: "registry",
			Name:      "backend_usage",
			Help:      "Current in-flight usage count per backend",
		},
		[]string{"backend_id", "type"},
	)

	// ModelLoadDuration observes how long a model swap took, labeled by
	// outcome so failed loads don't skew the latency distribution of
	// successful ones.
	ModelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genpool",
			Subsystem: "scheduler",
			Name:      "model_load_duration_seconds",
			Help:      "Duration of a backend model load",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model", "result"},
	)

	// EvictionsTotal counts model swaps that discarded an already-resident
	// model to serve higher pressure elsewhere.
	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genpool",
			Subsystem: "scheduler",
			Name:      "evictions_total",
			Help:      "Model loads that evicted a different resident model",
		},
		[]string{"backend_id"},
	)

	// RedirectsTotal counts driver-issued PleaseRedirect escapes honored by
	// the orchestrator's one-shot redirect budget.
	RedirectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genpool",
			Subsystem: "orchestrator",
			Name:      "redirects_total",
			Help:      "Generation requests redirected to a different backend",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, BackendUsage, ModelLoadDuration, EvictionsTotal, RedirectsTotal)
}
