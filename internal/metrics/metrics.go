// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for ingestion observability.
type Metrics struct {
	DocumentsTotal     *prometheus.CounterVec // documents processed, by kb and outcome
	NodesMergedTotal   *prometheus.CounterVec // nodes merged, by kb and outcome (created/updated)
	EdgesMergedTotal   *prometheus.CounterVec // relationships merged, by kb and outcome
	EmbedFallbackTotal *prometheus.CounterVec // degraded embeddings, by kb
	RunDuration        *prometheus.HistogramVec
	ActiveRuns         prometheus.Gauge
}

// NewMetrics creates and registers the ingestion metrics. The registerer
// parameter allows flexible registration (e.g., global registry, test registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_ingest_documents_total",
			Help: "Total number of documents processed",
		}, []string{"kb_id", "outcome"}),
		NodesMergedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_ingest_nodes_total",
			Help: "Total number of nodes merged into the graph",
		}, []string{"kb_id", "outcome"}),
		EdgesMergedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_ingest_relationships_total",
			Help: "Total number of relationships merged into the graph",
		}, []string{"kb_id", "outcome"}),
		EmbedFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_embedding_fallback_total",
			Help: "Total number of embeddings replaced by the deterministic fallback",
		}, []string{"kb_id"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_run_duration_seconds",
			Help:    "Duration of ingestion runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kb_id", "state"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_runs",
			Help: "Number of ingestion runs currently in flight",
		}),
	}

	reg.MustRegister(
		m.DocumentsTotal,
		m.NodesMergedTotal,
		m.EdgesMergedTotal,
		m.EmbedFallbackTotal,
		m.RunDuration,
		m.ActiveRuns,
	)
	return m
}
