// Package metrics provides Prometheus metrics for the bundle uploader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the uploader.
type Metrics struct {
	// Item metrics
	ItemsUploaded *prometheus.CounterVec
	ItemsFailed   *prometheus.CounterVec
	ItemsSkipped  *prometheus.CounterVec
	BytesUploaded *prometheus.CounterVec

	// Timing metrics
	UploadDuration *prometheus.HistogramVec
	BatchDuration  *prometheus.HistogramVec

	// Size metrics
	ItemBytes *prometheus.HistogramVec

	// Scheduler metrics
	InFlightUploads prometheus.Gauge
	RetryAttempts   *prometheus.CounterVec
	BatchAborts     *prometheus.CounterVec

	// Chunked transfer
	ChunksWritten *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registerer and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New builds a metrics set registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bundle_uploader"
	}
	f := promauto.With(reg)

	return &Metrics{
		ItemsUploaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_uploaded_total",
				Help:      "Total number of items accepted by the node",
			},
			[]string{"currency", "path"},
		),
		ItemsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_failed_total",
				Help:      "Total number of item uploads that failed",
			},
			[]string{"currency", "reason"},
		),
		ItemsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_skipped_total",
				Help:      "Total number of items skipped (already uploaded)",
			},
			[]string{"currency"},
		),
		BytesUploaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_uploaded_total",
				Help:      "Total number of item bytes sent",
			},
			[]string{"currency", "path"},
		),
		UploadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload a single item",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"currency", "path"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to run a whole upload batch",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~800s
			},
			[]string{"outcome"},
		),
		ItemBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_bytes",
				Help:      "Size of uploaded items in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~4GB
			},
			[]string{"currency"},
		),
		InFlightUploads: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_uploads",
				Help:      "Number of items currently being uploaded",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		BatchAborts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_aborts_total",
				Help:      "Total number of batches stopped by a fatal error",
			},
			[]string{"reason"},
		),
		ChunksWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_written_total",
				Help:      "Total number of chunks streamed by the chunked uploader",
			},
			[]string{"currency"},
		),
	}
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
	Currency  string
	Path      string // "direct" | "chunked"
	Reason    string
	Operation string
}

// IncItemsUploaded increments the uploaded items counter.
func (m *Metrics) IncItemsUploaded(l Labels) {
	m.ItemsUploaded.WithLabelValues(l.Currency, l.Path).Inc()
}

// IncItemsFailed increments the failed items counter.
func (m *Metrics) IncItemsFailed(l Labels) {
	m.ItemsFailed.WithLabelValues(l.Currency, l.Reason).Inc()
}

// AddItemsSkipped adds to the skipped items counter.
func (m *Metrics) AddItemsSkipped(l Labels, count float64) {
	m.ItemsSkipped.WithLabelValues(l.Currency).Add(count)
}

// AddBytesUploaded adds to the uploaded bytes counter.
func (m *Metrics) AddBytesUploaded(l Labels, n float64) {
	m.BytesUploaded.WithLabelValues(l.Currency, l.Path).Add(n)
}

// ObserveUploadDuration records the time a single upload took.
func (m *Metrics) ObserveUploadDuration(l Labels, seconds float64) {
	m.UploadDuration.WithLabelValues(l.Currency, l.Path).Observe(seconds)
}

// ObserveBatchDuration records the time a batch took.
func (m *Metrics) ObserveBatchDuration(outcome string, seconds float64) {
	m.BatchDuration.WithLabelValues(outcome).Observe(seconds)
}

// ObserveItemBytes records an item's serialized size.
func (m *Metrics) ObserveItemBytes(l Labels, n float64) {
	m.ItemBytes.WithLabelValues(l.Currency).Observe(n)
}

// IncInFlight marks one more upload in flight.
func (m *Metrics) IncInFlight() {
	m.InFlightUploads.Inc()
}

// DecInFlight marks one upload finished.
func (m *Metrics) DecInFlight() {
	m.InFlightUploads.Dec()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// IncBatchAborts increments the batch abort counter.
func (m *Metrics) IncBatchAborts(l Labels) {
	m.BatchAborts.WithLabelValues(l.Reason).Inc()
}

// IncChunksWritten increments the chunk counter.
func (m *Metrics) IncChunksWritten(l Labels) {
	m.ChunksWritten.WithLabelValues(l.Currency).Inc()
}
