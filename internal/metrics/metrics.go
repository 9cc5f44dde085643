package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	blocksProcessed prometheus.Counter
	blockFailures   prometheus.Counter
	blockDuration   prometheus.Histogram
	deployments     prometheus.Counter
	mints           prometheus.Counter
	itemsSkipped    *prometheus.CounterVec
	itemFailures    prometheus.Counter
	alertsSent      prometheus.Counter
	alertsDropped   prometheus.Counter
	errors          prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init registers the collectors on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds and registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_blocks_processed_total",
			Help: "Total number of blocks processed",
		}),
		blockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_block_failures_total",
			Help: "Total number of blocks whose processing failed",
		}),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mint_watch_block_duration_seconds",
			Help:    "Time spent detecting signals in one block",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		deployments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_deployments_detected_total",
			Help: "Total number of ERC-721 contract deployments detected",
		}),
		mints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_mints_detected_total",
			Help: "Total number of token mints detected",
		}),
		itemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mint_watch_items_skipped_total",
			Help: "Transactions and logs skipped during detection, by reason",
		}, []string{"reason"}),
		itemFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_item_failures_total",
			Help: "Transactions and logs that could not be resolved",
		}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_alerts_sent_total",
			Help: "Total number of alerts sent to sinks",
		}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_alerts_dropped_total",
			Help: "Total number of alerts dropped (predicate/dedupe)",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_watch_errors_total",
			Help: "Total number of errors encountered",
		}),
	}
	reg.MustRegister(
		m.blocksProcessed,
		m.blockFailures,
		m.blockDuration,
		m.deployments,
		m.mints,
		m.itemsSkipped,
		m.itemFailures,
		m.alertsSent,
		m.alertsDropped,
		m.errors,
	)
	return m
}

// BlockProcessed records a completed block and how long it took.
func (m *Metrics) BlockProcessed(d time.Duration) {
	if m != nil {
		m.blocksProcessed.Inc()
		m.blockDuration.Observe(d.Seconds())
	}
}

// BlockFailed increments the block failure counter.
func (m *Metrics) BlockFailed() {
	if m != nil {
		m.blockFailures.Inc()
	}
}

// Deployments adds n detected deployments.
func (m *Metrics) Deployments(n int) {
	if m != nil {
		m.deployments.Add(float64(n))
	}
}

// Mints adds n detected mints.
func (m *Metrics) Mints(n int) {
	if m != nil {
		m.mints.Add(float64(n))
	}
}

// Skipped adds n skipped items for reason.
func (m *Metrics) Skipped(reason string, n int) {
	if m != nil {
		m.itemsSkipped.WithLabelValues(reason).Add(float64(n))
	}
}

// ItemFailures adds n unresolved items.
func (m *Metrics) ItemFailures(n int) {
	if m != nil {
		m.itemFailures.Add(float64(n))
	}
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsDropped increments the alerts dropped counter.
func (m *Metrics) AlertsDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
