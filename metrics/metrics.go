// Package metrics exposes Prometheus collectors for completion calls,
// document mutations and edit resolution.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scopecraft"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	completionAttempts *prometheus.CounterVec
	completionResults  *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	documentOps        *prometheus.CounterVec
	editResolutions    *prometheus.CounterVec
}

// New creates a Metrics instance backed by a fresh registry that also
// carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		completionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "attempts_total",
			Help:      "HTTP attempts made against the completion endpoint.",
		}, []string{"phase"}),
		completionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "results_total",
			Help:      "Completion calls by outcome (ok, exhausted, canceled).",
		}, []string{"phase", "outcome"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of completion calls including retries.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"phase"}),
		documentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Version store mutations by operation and result.",
		}, []string{"op", "result"}),
		editResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "edit",
			Name:      "resolutions_total",
			Help:      "AI edit resolutions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.completionAttempts,
		m.completionResults,
		m.completionDuration,
		m.documentOps,
		m.editResolutions,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CompletionAttempt counts one HTTP attempt.
func (m *Metrics) CompletionAttempt(phase string) {
	if m == nil {
		return
	}
	m.completionAttempts.WithLabelValues(label(phase)).Inc()
}

// CompletionDone records the outcome and duration of a whole completion call.
func (m *Metrics) CompletionDone(phase, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.completionResults.WithLabelValues(label(phase), outcome).Inc()
	m.completionDuration.WithLabelValues(label(phase)).Observe(d.Seconds())
}

// DocumentOp records a store mutation.
func (m *Metrics) DocumentOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.documentOps.WithLabelValues(op, result).Inc()
}

// EditResolved records how an AI edit response was resolved.
func (m *Metrics) EditResolved(outcome string) {
	if m == nil {
		return
	}
	m.editResolutions.WithLabelValues(outcome).Inc()
}

func label(phase string) string {
	if phase == "" {
		return "unknown"
	}
	return phase
}
