// Package metrics keeps Prometheus counters for an ingestion run. The process
// is a batch job, so instead of serving /metrics it writes the registry to a
// node_exporter textfile when a run ends.
package metrics

import (
	"fmt"
	"time"

	"catalog/ingest/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "catalog_ingest"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pagesCommitted  prometheus.Counter
	itemsDiscovered prometheus.Counter
	itemsProcessed  *prometheus.CounterVec
	fetchAttempts   prometheus.Counter
	fetchDuration   prometheus.Histogram
	inFlight        prometheus.Gauge
	storeItems      *prometheus.GaugeVec
	cursor          prometheus.Gauge
	lastRun         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pagesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_committed_total",
			Help:      "Catalog pages committed to the store.",
		}),
		itemsDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_discovered_total",
			Help:      "Catalog items upserted during enumeration.",
		}),
		itemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Detail fetches by outcome.",
		}, []string{"outcome"}),
		fetchAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Detail fetch attempts including retries.",
		}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time per item including backoff.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetches_in_flight",
			Help:      "Items currently claimed by a worker.",
		}),
		storeItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_items",
			Help:      "Items in the store by status.",
		}, []string{"status"}),
		cursor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crawl_cursor_page",
			Help:      "Last committed catalog page.",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PageCommitted(items int) {
	if m == nil {
		return
	}
	m.pagesCommitted.Inc()
	m.itemsDiscovered.Add(float64(items))
}

// FetchStarted marks an item as in flight. The returned func must be called
// once the item has been written back.
func (m *Metrics) FetchStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *Metrics) ItemFetched(attempts int, took time.Duration) {
	m.itemDone("fetched", attempts, took)
}

func (m *Metrics) ItemFailed(attempts int, dead bool, took time.Duration) {
	outcome := "failed"
	if dead {
		outcome = "dead"
	}
	m.itemDone(outcome, attempts, took)
}

func (m *Metrics) itemDone(outcome string, attempts int, took time.Duration) {
	if m == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(outcome).Inc()
	m.fetchAttempts.Add(float64(attempts))
	m.fetchDuration.Observe(took.Seconds())
}

// ObserveCounts copies a store snapshot into the gauges.
func (m *Metrics) ObserveCounts(counts domain.StatusCounts) {
	if m == nil {
		return
	}
	m.storeItems.WithLabelValues(domain.StatusPending.String()).Set(float64(counts.Pending))
	m.storeItems.WithLabelValues(domain.StatusFetched.String()).Set(float64(counts.Fetched))
	m.storeItems.WithLabelValues(domain.StatusFailed.String()).Set(float64(counts.Failed))
	m.storeItems.WithLabelValues("dead").Set(float64(counts.Dead))
	m.cursor.Set(float64(counts.Cursor))
}

// WriteTextfile stamps the run time and writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	m.lastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
