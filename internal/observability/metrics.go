package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingest pipeline and query API.
type Metrics struct {
	FilesProcessed prometheus.Counter
	FilesSkipped   prometheus.Counter
	ParseFailures  prometheus.Counter
	FetchRetries   prometheus.Counter
	EventsMerged   prometheus.Counter
	RecordsMerged  prometheus.Counter
	SitesUpserted  prometheus.Counter
	MonthsAdvanced prometheus.Counter
	UpdateRunning  prometheus.Gauge

	FetchDuration prometheus.Histogram
	MergeDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FilesProcessed,
		m.FilesSkipped,
		m.ParseFailures,
		m.FetchRetries,
		m.EventsMerged,
		m.RecordsMerged,
		m.SitesUpserted,
		m.MonthsAdvanced,
		m.UpdateRunning,
		m.FetchDuration,
		m.MergeDuration,
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
		FilesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "files_processed_total",
			Help:      "Archive files fetched, parsed, and merged.",
		}),
		FilesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "files_skipped_total",
			Help:      "Archive files skipped after fetch or parse failures.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "parse_failures_total",
			Help:      "File- and site-block-level parse failures.",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts retried after transient errors.",
		}),
		EventsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "events_merged_total",
			Help:      "Events created or matched during merges.",
		}),
		RecordsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "records_merged_total",
			Help:      "Site records written to the cache.",
		}),
		SitesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "sites_upserted_total",
			Help:      "Sites written by registry updates.",
		}),
		MonthsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomotion",
			Name:      "months_advanced_total",
			Help:      "Archive months fully processed and committed.",
		}),
		UpdateRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geomotion",
			Name:      "update_running",
			Help:      "1 while an update run is active, 0 otherwise.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geomotion",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one archive file fetch.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geomotion",
			Name:      "merge_duration_seconds",
			Help:      "Duration of one event merge transaction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}
