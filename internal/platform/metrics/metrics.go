// Package metrics defines the Prometheus collectors shared by the queue,
// the worker pool and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports
type Metrics struct {
	registry *prometheus.Registry

	Enqueued        *prometheus.CounterVec
	Claimed         *prometheus.CounterVec
	Completed       *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	Cancelled       prometheus.Counter
	Reclaimed       prometheus.Counter
	Unavailable     *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	FallbackActive  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue.",
		}, []string{"type"}),
		Claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by workers.",
		}, []string{"type"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "jobs_completed_total",
			Help:      "Jobs acknowledged as completed.",
		}, []string{"type"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "jobs_failed_total",
			Help:      "Job runs reported as failed, split by whether a retry remained.",
		}, []string{"type", "retry"}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "jobs_cancelled_total",
			Help:      "Pending jobs cancelled by producers.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "jobs_reclaimed_total",
			Help:      "Claimed jobs returned to the queue after the visibility timeout.",
		}),
		Unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedpulse",
			Name:      "queue_unavailable_total",
			Help:      "Queue operations that failed because the backend was unreachable.",
		}, []string{"op"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedpulse",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"type", "outcome"}),
		FallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feedpulse",
			Name:      "queue_fallback_active",
			Help:      "1 when this process is bound to the in-memory fallback queue.",
		}),
	}

	m.registry.MustRegister(
		m.Enqueued,
		m.Claimed,
		m.Completed,
		m.Failed,
		m.Cancelled,
		m.Reclaimed,
		m.Unavailable,
		m.HandlerDuration,
		m.FallbackActive,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
