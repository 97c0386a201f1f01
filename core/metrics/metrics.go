// Package metrics provides Prometheus instrumentation for Core, adapted
// from graph.PrometheusMetrics: gauges/counters/histograms namespaced
// "runtara_" instead of "langgraph_". Labels are per metric (tenant_id and
// status, operation and status, outcome, signal_type); none is per instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoreMetrics exposes the counters and histograms Core's request handlers
// and background workers update.
type CoreMetrics struct {
	ActiveInstances     *prometheus.GaugeVec
	RequestLatency      *prometheus.HistogramVec
	CheckpointsTotal     *prometheus.CounterVec
	SignalsTotal         *prometheus.CounterVec
	WakeAttemptsTotal    *prometheus.CounterVec
	HeartbeatTimeoutsTotal prometheus.Counter
}

// New registers Core's metrics against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the default global registry.
func New(reg prometheus.Registerer) *CoreMetrics {
	factory := promauto.With(reg)

	return &CoreMetrics{
		ActiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runtara",
			Name:      "active_instances",
			Help:      "Current number of instances in a non-terminal status.",
		}, []string{"tenant_id", "status"}),

		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runtara",
			Name:      "request_latency_ms",
			Help:      "Core request handler latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"operation", "status"}),

		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runtara",
			Name:      "checkpoints_total",
			Help:      "Checkpoint operations, partitioned by whether they replayed or committed.",
		}, []string{"outcome"}),

		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runtara",
			Name:      "signals_total",
			Help:      "Signals inserted, by signal type.",
		}, []string{"signal_type"}),

		WakeAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runtara",
			Name:      "wake_attempts_total",
			Help:      "Wake scheduler ResumeInstance attempts, by outcome.",
		}, []string{"outcome"}),

		HeartbeatTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "runtara",
			Name:      "heartbeat_timeouts_total",
			Help:      "Instances marked failed by the heartbeat monitor.",
		}),
	}
}
