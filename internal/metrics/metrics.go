// Package metrics provides Prometheus metrics for the mosaic builder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the mosaic builder.
type Metrics struct {
	// Item metrics
	ItemsProcessed *prometheus.CounterVec
	ItemsSkipped   *prometheus.CounterVec
	ItemsFailed    *prometheus.CounterVec

	// Tile metrics
	TilesMerged  *prometheus.CounterVec
	TilesSkipped *prometheus.CounterVec

	// Timing metrics
	FetchDuration  *prometheus.HistogramVec
	WarpDuration   *prometheus.HistogramVec
	EncodeDuration *prometheus.HistogramVec
	MergeDuration  *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	MergePending     prometheus.Gauge
	InFlightItems    prometheus.Gauge

	// Error metrics
	FetchErrors   *prometheus.CounterVec
	EngineErrors  *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mosaic"
	}

	m := &Metrics{
		ItemsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_processed_total",
				Help:      "Total number of source items processed to completion",
			},
			[]string{"region", "collection"},
		),
		ItemsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_skipped_total",
				Help:      "Total number of source items skipped (already succeeded)",
			},
			[]string{"region", "collection"},
		),
		ItemsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_failed_total",
				Help:      "Total number of source items that exhausted retries",
			},
			[]string{"region", "collection"},
		),
		TilesMerged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_merged_total",
				Help:      "Total number of tiles inserted into the archive",
			},
			[]string{"region", "collection"},
		),
		TilesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_skipped_total",
				Help:      "Total number of tiles skipped as already present",
			},
			[]string{"region", "collection"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to download one source raster",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~30m
			},
			[]string{"region", "collection"},
		),
		WarpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "warp_duration_seconds",
				Help:      "Time spent in the external reprojection engine",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"region", "collection"},
		),
		EncodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "encode_duration_seconds",
				Help:      "Time spent in the external tile encoder",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"region", "collection"},
		),
		MergeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to merge one item's tile set into the archive",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			[]string{"region", "collection"},
		),
		WorkerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of items in the worker queue",
			},
		),
		MergePending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "merge_pending",
				Help:      "Number of encoded tile sets awaiting merge",
			},
		),
		InFlightItems: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_items",
				Help:      "Number of items currently being processed",
			},
		),
		FetchErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Total number of fetch errors by class",
			},
			[]string{"region", "class"},
		),
		EngineErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Total number of external engine failures by stage",
			},
			[]string{"region", "stage"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts by stage",
			},
			[]string{"region", "stage"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Region     string
	Collection string
	Class      string
	Stage      string
}

// IncItemsProcessed increments the items processed counter.
func (m *Metrics) IncItemsProcessed(l Labels) {
	m.ItemsProcessed.WithLabelValues(l.Region, l.Collection).Inc()
}

// IncItemsSkipped increments the items skipped counter.
func (m *Metrics) IncItemsSkipped(l Labels) {
	m.ItemsSkipped.WithLabelValues(l.Region, l.Collection).Inc()
}

// IncItemsFailed increments the items failed counter.
func (m *Metrics) IncItemsFailed(l Labels) {
	m.ItemsFailed.WithLabelValues(l.Region, l.Collection).Inc()
}

// AddTilesMerged adds to the tiles merged counter.
func (m *Metrics) AddTilesMerged(l Labels, count float64) {
	m.TilesMerged.WithLabelValues(l.Region, l.Collection).Add(count)
}

// AddTilesSkipped adds to the tiles skipped counter.
func (m *Metrics) AddTilesSkipped(l Labels, count float64) {
	m.TilesSkipped.WithLabelValues(l.Region, l.Collection).Add(count)
}

// ObserveFetchDuration records one download's duration.
func (m *Metrics) ObserveFetchDuration(l Labels, seconds float64) {
	m.FetchDuration.WithLabelValues(l.Region, l.Collection).Observe(seconds)
}

// ObserveWarpDuration records one reprojection's duration.
func (m *Metrics) ObserveWarpDuration(l Labels, seconds float64) {
	m.WarpDuration.WithLabelValues(l.Region, l.Collection).Observe(seconds)
}

// ObserveEncodeDuration records one tile encoding's duration.
func (m *Metrics) ObserveEncodeDuration(l Labels, seconds float64) {
	m.EncodeDuration.WithLabelValues(l.Region, l.Collection).Observe(seconds)
}

// ObserveMergeDuration records one merge's duration.
func (m *Metrics) ObserveMergeDuration(l Labels, seconds float64) {
	m.MergeDuration.WithLabelValues(l.Region, l.Collection).Observe(seconds)
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// IncMergePending counts one encoded tile set entering the merge queue.
func (m *Metrics) IncMergePending() {
	m.MergePending.Inc()
}

// DecMergePending counts one tile set leaving the merge queue.
func (m *Metrics) DecMergePending() {
	m.MergePending.Dec()
}

// IncInFlightItems counts one item entering processing.
func (m *Metrics) IncInFlightItems() {
	m.InFlightItems.Inc()
}

// DecInFlightItems counts one item leaving processing.
func (m *Metrics) DecInFlightItems() {
	m.InFlightItems.Dec()
}

// IncFetchErrors increments the fetch errors counter.
func (m *Metrics) IncFetchErrors(l Labels) {
	m.FetchErrors.WithLabelValues(l.Region, l.Class).Inc()
}

// IncEngineErrors increments the engine errors counter.
func (m *Metrics) IncEngineErrors(l Labels) {
	m.EngineErrors.WithLabelValues(l.Region, l.Stage).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Region, l.Stage).Inc()
}
