// Package telemetry exposes Prometheus metrics for the balancing core,
// following the same package-level-gauge-plus-init()-MustRegister pattern
// the teacher orchestrator uses for its own metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_cycles_total",
			Help: "Total number of balancing cycles completed, by outcome.",
		},
		[]string{"outcome"}, // ok, failed
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plb_cycle_duration_seconds",
			Help:    "Wall-clock duration of one balancing cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpreadBefore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plb_spread_before",
			Help: "Spread on the chosen dimension before the cycle's plan was applied.",
		},
		[]string{"dimension"},
	)

	SpreadAfter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plb_spread_after",
			Help: "Spread on the chosen dimension after the cycle's plan was (virtually or actually) applied.",
		},
		[]string{"dimension"},
	)

	MovesPlanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plb_moves_planned_total",
			Help: "Total number of moves emitted by the placement engine.",
		},
	)

	MovesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_moves_dispatched_total",
			Help: "Total number of moves dispatched by the executor, by terminal outcome.",
		},
		[]string{"outcome"}, // ok, failed, skipped (executor.Outcome values)
	)

	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plb_migration_duration_seconds",
			Help:    "Time from dispatch to terminal status for one migration job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plb_api_requests_total",
			Help: "Total number of hypervisor API requests, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plb_api_request_duration_seconds",
			Help:    "Hypervisor API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	PlacementWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plb_placement_warnings_total",
			Help: "Total number of non-fatal placement warnings (unsatisfiable constraints).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		SpreadBefore,
		SpreadAfter,
		MovesPlanned,
		MovesDispatched,
		MigrationDuration,
		APIRequestsTotal,
		APIRequestDuration,
		PlacementWarningsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a vec histogram with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
