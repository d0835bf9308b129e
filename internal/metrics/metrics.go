// Package metrics provides Prometheus metrics for the access orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	GrantTransitions  *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	DirectoryCalls    *prometheus.CounterVec
	DirectoryDuration *prometheus.HistogramVec
	DriftFindings     *prometheus.CounterVec
	DriftSkipped      *prometheus.CounterVec
	ReconcileRuns     *prometheus.CounterVec
	ActiveGrants      prometheus.Gauge
	NotifyDropped     prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GrantTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_grant_transitions_total",
				Help: "Grant state transitions by source and target state.",
			},
			[]string{"from", "to"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_requests_total",
				Help: "Elevation requests by role and outcome.",
			},
			[]string{"role", "outcome"},
		),
		DirectoryCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_directory_calls_total",
				Help: "Directory backend calls by backend, operation and result.",
			},
			[]string{"backend", "op", "result"},
		),
		DirectoryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pam_directory_call_duration_seconds",
				Help:    "Directory backend call latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "op"},
		),
		DriftFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_drift_findings_total",
				Help: "Drift findings by role and kind.",
			},
			[]string{"role", "kind"},
		),
		DriftSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_drift_roles_skipped_total",
				Help: "Roles skipped by a drift pass because the directory could not be read.",
			},
			[]string{"role"},
		),
		ReconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_reconcile_runs_total",
				Help: "Background loop passes by loop and result.",
			},
			[]string{"loop", "result"},
		),
		ActiveGrants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pam_active_grants",
				Help: "Active grants seen by the last drift pass.",
			},
		),
		NotifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pam_notifications_dropped_total",
				Help: "Notifications dropped because the dispatch queue was full.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pam_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.GrantTransitions)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.DirectoryCalls)
	reg.MustRegister(m.DirectoryDuration)
	reg.MustRegister(m.DriftFindings)
	reg.MustRegister(m.DriftSkipped)
	reg.MustRegister(m.ReconcileRuns)
	reg.MustRegister(m.ActiveGrants)
	reg.MustRegister(m.NotifyDropped)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts one grant state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.GrantTransitions.WithLabelValues(from, to).Inc()
}

// RecordRequest counts one intake outcome.
func (m *Metrics) RecordRequest(role, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(role, outcome).Inc()
}

// ObserveDirectoryCall records a directory call and its latency.
func (m *Metrics) ObserveDirectoryCall(backend, op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.DirectoryCalls.WithLabelValues(backend, op, result).Inc()
	m.DirectoryDuration.WithLabelValues(backend, op).Observe(seconds)
}

// RecordDrift counts one drift finding.
func (m *Metrics) RecordDrift(role, kind string) {
	if m == nil {
		return
	}
	m.DriftFindings.WithLabelValues(role, kind).Inc()
}

// RecordDriftSkipped counts a role the drift pass could not read.
func (m *Metrics) RecordDriftSkipped(role string) {
	if m == nil {
		return
	}
	m.DriftSkipped.WithLabelValues(role).Inc()
}

// RecordRun counts one pass of a background loop.
func (m *Metrics) RecordRun(loop, result string) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(loop, result).Inc()
}

// SetActiveGrants sets the active grant gauge.
func (m *Metrics) SetActiveGrants(n int) {
	if m == nil {
		return
	}
	m.ActiveGrants.Set(float64(n))
}

// RecordNotifyDropped counts a dropped notification.
func (m *Metrics) RecordNotifyDropped() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
