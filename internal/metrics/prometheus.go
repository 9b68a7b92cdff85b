// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all leakshield metrics on a private prometheus registry,
// so several engines in one process (and tests) never collide.
type Registry struct {
	reg *prometheus.Registry

	// Apply/remove outcomes
	Operations    *prometheus.CounterVec
	Rollbacks     *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	LastCommitted prometheus.Gauge

	// Filters
	FiltersSubmitted *prometheus.CounterVec
	ActiveFilters    prometheus.Gauge
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leakshield_operations_total",
		Help: "Rule set operations by type and outcome",
	}, []string{"operation", "outcome"})

	r.Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leakshield_rollbacks_total",
		Help: "Aborted transactions by cause",
	}, []string{"reason"})

	r.Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leakshield_operation_duration_seconds",
		Help:    "Time from transaction begin to commit or abort",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"operation"})

	r.LastCommitted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "leakshield_last_commit_timestamp_seconds",
		Help: "Unix time of the last committed transaction",
	})

	r.FiltersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leakshield_filters_submitted_total",
		Help: "Filters submitted to the installer, by rule kind",
	}, []string{"rule"})

	r.ActiveFilters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "leakshield_active_filters",
		Help: "Filters owned by leakshield after the last commit",
	})

	r.reg.MustRegister(
		r.Operations,
		r.Rollbacks,
		r.Duration,
		r.LastCommitted,
		r.FiltersSubmitted,
		r.ActiveFilters,
	)
	return r
}

// Gatherer returns the underlying registry for exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes all metrics in text format for the node exporter
// textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

// The Observe helpers accept a nil receiver so callers need no guards.

// ObserveOperation records the outcome and duration of one operation.
func (r *Registry) ObserveOperation(op, outcome string, d time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.Operations.WithLabelValues(op, outcome).Inc()
	r.Duration.WithLabelValues(op).Observe(d.Seconds())
	if outcome == "committed" {
		r.LastCommitted.Set(float64(at.Unix()))
	}
}

// ObserveRollback counts an aborted transaction.
func (r *Registry) ObserveRollback(reason string) {
	if r == nil {
		return
	}
	r.Rollbacks.WithLabelValues(reason).Inc()
}

// ObserveSubmitted counts filters handed to the installer for a rule.
func (r *Registry) ObserveSubmitted(rule string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.FiltersSubmitted.WithLabelValues(rule).Add(float64(n))
}

// SetActive records how many filters are active.
func (r *Registry) SetActive(n int) {
	if r == nil {
		return
	}
	r.ActiveFilters.Set(float64(n))
}
