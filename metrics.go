package simprep

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine counters for Prometheus scraping. All metrics
// are namespaced "simprep". A nil *Metrics is valid and records nothing,
// so the engine never needs to branch on whether metrics are configured.
type Metrics struct {
	stepLatency     *prometheus.HistogramVec
	checkpointSaves prometheus.Counter
	workflows       *prometheus.CounterVec
	pendingReviews  prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics with the provided
// registry. Pass prometheus.DefaultRegisterer for the global registry,
// or a fresh prometheus.NewRegistry() for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simprep",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"step", "outcome"}), // outcome: advanced, paused, skipped, failed, error

		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simprep",
			Name:      "checkpoint_saves_total",
			Help:      "Cumulative count of checkpoints persisted",
		}),

		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simprep",
			Name:      "workflows_total",
			Help:      "Workflow runs reaching a terminal status",
		}, []string{"status"}), // status: completed, failed

		pendingReviews: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "simprep",
			Name:      "pending_reviews",
			Help:      "Review checkpoints currently awaiting a response",
		}),
	}
}

// ObserveStep records one step execution with its outcome label.
func (m *Metrics) ObserveStep(step, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(step, outcome).Observe(float64(latency.Milliseconds()))
}

// CheckpointSaved records one persisted checkpoint.
func (m *Metrics) CheckpointSaved() {
	if m == nil {
		return
	}
	m.checkpointSaves.Inc()
}

// WorkflowFinished records a run reaching a terminal status.
func (m *Metrics) WorkflowFinished(status Status) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(string(status)).Inc()
}

// ReviewOpened records a review checkpoint entering the pending state.
func (m *Metrics) ReviewOpened() {
	if m == nil {
		return
	}
	m.pendingReviews.Inc()
}

// ReviewClosed records a pending review checkpoint being resolved.
func (m *Metrics) ReviewClosed() {
	if m == nil {
		return
	}
	m.pendingReviews.Dec()
}
