// Package observability carries logging, metrics and request instrumentation
// shared by the portal server and the CLI.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portal"

// Metrics groups the Prometheus collectors recorded by the session subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	validations   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	historyBlocks *prometheus.CounterVec
	activeTabs    prometheus.Gauge
	requests      *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "validations_total",
			Help:      "Session validations by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Route guard decisions for protected paths.",
		}, []string{"decision"}),
		historyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "blocked_events_total",
			Help:      "Navigation events intercepted by the history blocker.",
		}, []string{"event"}),
		activeTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_tabs",
			Help:      "Browser tabs currently held by the portal.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.validations, m.decisions, m.historyBlocks, m.activeTabs, m.requests)
	}
	return m
}

// ObserveValidation counts a validation outcome.
func (m *Metrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

// ObserveDecision counts a guard decision.
func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

// ObserveHistoryBlock counts an intercepted navigation event.
func (m *Metrics) ObserveHistoryBlock(event string) {
	if m == nil {
		return
	}
	m.historyBlocks.WithLabelValues(event).Inc()
}

// SetActiveTabs records the number of live tabs.
func (m *Metrics) SetActiveTabs(n int) {
	if m == nil {
		return
	}
	m.activeTabs.Set(float64(n))
}

// ObserveRequest records an HTTP request latency.
func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, status).Observe(seconds)
}

// Validations exposes the validation counter for tests.
func (m *Metrics) Validations() *prometheus.CounterVec {
	return m.validations
}

// Decisions exposes the decision counter for tests.
func (m *Metrics) Decisions() *prometheus.CounterVec {
	return m.decisions
}

// HistoryBlocks exposes the history blocker counter for tests.
func (m *Metrics) HistoryBlocks() *prometheus.CounterVec {
	return m.historyBlocks
}
