package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline and query engine.
type Metrics struct {
	RowsRead     prometheus.Counter
	RowsInserted prometheus.Counter
	RowsUpdated  prometheus.Counter
	RowsRejected *prometheus.CounterVec // label: reason
	IngestActive prometheus.Gauge

	// Batch flushing metrics.
	BatchSize          prometheus.Histogram
	BatchFlushDuration prometheus.Histogram
	FlushRetries       prometheus.Counter

	// Query metrics.
	QueryDuration    *prometheus.HistogramVec // label: kind={timeseries,upstream_aggregate}
	TraversalVisited prometheus.Histogram
	CacheRequests    *prometheus.CounterVec // labels: kind, result={hit,miss}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RowsRead,
		m.RowsInserted,
		m.RowsUpdated,
		m.RowsRejected,
		m.IngestActive,
		m.BatchSize,
		m.BatchFlushDuration,
		m.FlushRetries,
		m.QueryDuration,
		m.TraversalVisited,
		m.CacheRequests,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basinflow",
			Name:      "ingest_rows_read_total",
			Help:      "Total input rows read from source files.",
		}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basinflow",
			Name:      "ingest_rows_inserted_total",
			Help:      "Total observation rows newly inserted.",
		}),
		RowsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basinflow",
			Name:      "ingest_rows_updated_total",
			Help:      "Total observation rows updated in place by re-ingestion.",
		}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basinflow",
			Name:      "ingest_rows_rejected_total",
			Help:      "Total input rows rejected, by reason.",
		}, []string{"reason"}),
		IngestActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "basinflow",
			Name:      "ingest_active",
			Help:      "1 while an ingestion run is in progress.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "basinflow",
			Name:      "ingest_batch_size",
			Help:      "Number of rows per flushed batch.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 2000, 5000},
		}),
		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "basinflow",
			Name:      "ingest_batch_flush_duration_seconds",
			Help:      "Duration of one batch upsert against the store.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basinflow",
			Name:      "ingest_flush_retries_total",
			Help:      "Total batch flush attempts retried after a store failure.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "basinflow",
			Name:      "query_duration_seconds",
			Help:      "Duration of query computation by kind (cache misses only).",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"kind"}),
		TraversalVisited: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "basinflow",
			Name:      "traversal_visited_basins",
			Help:      "Number of basins visited per upstream traversal.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basinflow",
			Name:      "cache_requests_total",
			Help:      "Result cache lookups by query kind and outcome.",
		}, []string{"kind", "result"}),
	}
}
