// Package metrics provides Prometheus metrics for the portal session core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for session operations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled bool

	// Refresh metrics
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram

	// Gateway metrics
	requestFailuresTotal *prometheus.CounterVec
	requestRetriesTotal  prometheus.Counter
	teardownsTotal       *prometheus.CounterVec

	// Guard metrics
	admissionsTotal *prometheus.CounterVec
}

// New creates metrics registered with the default Prometheus registerer.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates enabled metrics registered with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{enabled: true}

	m.refreshTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_refresh_total",
		Help: "Access token refresh attempts by result",
	}, []string{"result"})

	m.refreshDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "portal_refresh_duration_seconds",
		Help:    "Access token refresh duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.requestFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_request_failures_total",
		Help: "Backend calls surfaced to callers as failures, by kind",
	}, []string{"kind"})

	m.requestRetriesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "portal_request_retries_total",
		Help: "Requests replayed after a successful refresh",
	})

	m.teardownsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_session_teardowns_total",
		Help: "Sessions cleared after an irrecoverable auth failure, by cause",
	}, []string{"cause"})

	m.admissionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_admission_decisions_total",
		Help: "Route admission decisions",
	}, []string{"decision", "reason"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordRefresh records a refresh attempt.
func (m *Metrics) RecordRefresh(result string, durationSeconds float64) {
	if !m.on() {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(durationSeconds)
}

// RecordRequestFailure records a failure returned to a caller.
func (m *Metrics) RecordRequestFailure(kind string) {
	if !m.on() {
		return
	}
	m.requestFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordRetry records a replayed request.
func (m *Metrics) RecordRetry() {
	if !m.on() {
		return
	}
	m.requestRetriesTotal.Inc()
}

// RecordTeardown records a forced session teardown.
func (m *Metrics) RecordTeardown(cause string) {
	if !m.on() {
		return
	}
	m.teardownsTotal.WithLabelValues(cause).Inc()
}

// RecordAdmission records a terminal admission decision.
func (m *Metrics) RecordAdmission(decision, reason string) {
	if !m.on() {
		return
	}
	m.admissionsTotal.WithLabelValues(decision, reason).Inc()
}
