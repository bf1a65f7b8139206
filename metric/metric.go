// Package metric defines the Prometheus instrumentation for the cosmos
// pipeline. Degraded paths (pseudo-vectors, spiral coordinates) are silent
// to the end user, so the fallback counters here are the only signal that
// fabricated geometry is being served; keep them wired.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fallback kinds recorded on cosmos_fallback_total.
const (
	FallbackPseudoVector = "pseudo_vector"
	FallbackSpiral       = "spiral_coordinates"
)

// Metrics contains all pipeline-level metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Embedding generation worker.
	EmbeddingsGenerated *prometheus.CounterVec // status: success|invalid|error
	EmbeddingDuration   prometheus.Histogram

	// Spatial projection worker.
	ProjectionRuns        *prometheus.CounterVec // method, status
	ProjectionDuration    *prometheus.HistogramVec
	PositionsWritten      prometheus.Counter
	PersistFailures       prometheus.Counter
	EmbeddingWaitRequeues prometheus.Counter
	NotifyFailures        prometheus.Counter

	// Degraded-path observability.
	FallbackTotal *prometheus.CounterVec // kind
}

// New creates and registers all pipeline metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,

		EmbeddingsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosmos", Subsystem: "embedding",
			Name: "jobs_total", Help: "Embedding jobs processed by terminal status",
		}, []string{"status"}),

		EmbeddingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cosmos", Subsystem: "embedding",
			Name: "duration_seconds", Help: "Embedding job processing duration",
			Buckets: prometheus.DefBuckets,
		}),

		ProjectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosmos", Subsystem: "projection",
			Name: "runs_total", Help: "Projection passes by method and terminal status",
		}, []string{"method", "status"}),

		ProjectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cosmos", Subsystem: "projection",
			Name: "duration_seconds", Help: "Projection pass duration by method",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"method"}),

		PositionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos", Subsystem: "projection",
			Name: "positions_written_total", Help: "Entity position triples persisted",
		}),

		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos", Subsystem: "projection",
			Name: "persist_failures_total", Help: "Entities whose position write failed and was skipped",
		}),

		EmbeddingWaitRequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos", Subsystem: "projection",
			Name: "embedding_wait_requeues_total", Help: "Projection events re-scheduled while waiting for embeddings",
		}),

		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cosmos", Subsystem: "projection",
			Name: "notify_failures_total", Help: "Completion notifications that failed to publish",
		}),

		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cosmos",
			Name:      "fallback_total", Help: "Deterministic fallbacks served in place of real geometry",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.EmbeddingsGenerated, m.EmbeddingDuration,
		m.ProjectionRuns, m.ProjectionDuration,
		m.PositionsWritten, m.PersistFailures,
		m.EmbeddingWaitRequeues, m.NotifyFailures,
		m.FallbackTotal,
	)
	return m
}

// Registerer exposes the underlying registry for auxiliary collectors
// (worker pools register themselves here).
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
