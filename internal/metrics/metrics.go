package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the memory store
type Metrics struct {
	registry *prometheus.Registry

	// Store metrics
	RecordsTotal           prometheus.Gauge
	PutsTotal              *prometheus.CounterVec
	DeletesTotal           prometheus.Counter
	EmbeddingFailuresTotal prometheus.Counter

	// Search metrics
	SearchesTotal  prometheus.Counter
	SearchDuration prometheus.Histogram

	// Ingestion metrics
	DocumentsIngestedTotal prometheus.Counter
	ChunksCreatedTotal     prometheus.Counter

	// Sync metrics
	SyncCyclesTotal    *prometheus.CounterVec
	SyncCycleDuration  prometheus.Histogram
	SyncPushedTotal    prometheus.Counter
	SyncPulledTotal    prometheus.Counter
	SyncConflictsTotal prometheus.Counter
	SyncLagSeconds     prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Store metrics
		RecordsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_records_total",
				Help: "Number of memory records currently stored",
			},
		),
		PutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_puts_total",
				Help: "Total number of put operations",
			},
			[]string{"outcome"}, // created, deduplicated, degraded
		),
		DeletesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_deletes_total",
				Help: "Total number of deleted memory records",
			},
		),
		EmbeddingFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_embedding_failures_total",
				Help: "Total number of failed embedding generations",
			},
		),

		// Search metrics
		SearchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_searches_total",
				Help: "Total number of similarity searches",
			},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memory_search_duration_seconds",
				Help:    "Duration of similarity searches in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Ingestion metrics
		DocumentsIngestedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_documents_ingested_total",
				Help: "Total number of ingested documents",
			},
		),
		ChunksCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_chunks_created_total",
				Help: "Total number of chunk records created by ingestion",
			},
		),

		// Sync metrics
		SyncCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_cycles_total",
				Help: "Total number of sync cycles",
			},
			[]string{"result"}, // ok, error
		),
		SyncCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_cycle_duration_seconds",
				Help:    "Duration of sync cycles in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SyncPushedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_records_pushed_total",
				Help: "Total number of records pushed to the remote store",
			},
		),
		SyncPulledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_records_pulled_total",
				Help: "Total number of remote changes applied locally",
			},
		),
		SyncConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_conflicts_total",
				Help: "Total number of records flagged as sync conflicts",
			},
		),
		SyncLagSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_lag_seconds",
				Help: "Seconds since the last successful sync cycle",
			},
		),
	}

	// Register all metrics
	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	// Store metrics
	m.registry.MustRegister(m.RecordsTotal)
	m.registry.MustRegister(m.PutsTotal)
	m.registry.MustRegister(m.DeletesTotal)
	m.registry.MustRegister(m.EmbeddingFailuresTotal)

	// Search metrics
	m.registry.MustRegister(m.SearchesTotal)
	m.registry.MustRegister(m.SearchDuration)

	// Ingestion metrics
	m.registry.MustRegister(m.DocumentsIngestedTotal)
	m.registry.MustRegister(m.ChunksCreatedTotal)

	// Sync metrics
	m.registry.MustRegister(m.SyncCyclesTotal)
	m.registry.MustRegister(m.SyncCycleDuration)
	m.registry.MustRegister(m.SyncPushedTotal)
	m.registry.MustRegister(m.SyncPulledTotal)
	m.registry.MustRegister(m.SyncConflictsTotal)
	m.registry.MustRegister(m.SyncLagSeconds)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
