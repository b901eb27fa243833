package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "segment_store"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	storageOperations *prometheus.CounterVec
	storageDuration   *prometheus.HistogramVec
	storageErrors     *prometheus.CounterVec

	manifestOperations *prometheus.CounterVec
	manifestErrors     *prometheus.CounterVec
	keyWrapDuration    *prometheus.HistogramVec

	segmentUploads      *prometheus.CounterVec
	segmentUploadBytes  *prometheus.CounterVec
	chunksFetched       prometheus.Counter
	chunkBytesFetched   prometheus.Counter
	segmentFetchLatency prometheus.Histogram

	cacheLookups *prometheus.CounterVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on a custom registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_bytes_total",
				Help:      "Total bytes written in HTTP responses",
			},
			[]string{"method", "path"},
		),
		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of object store operations",
			},
			[]string{"operation"},
		),
		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Object store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object store errors",
			},
			[]string{"operation", "error_type"},
		),
		manifestOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_operations_total",
				Help:      "Total number of manifest encode/decode operations",
			},
			[]string{"operation"}, // "encode" or "decode"
		),
		manifestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_errors_total",
				Help:      "Total number of manifest encode/decode errors",
			},
			[]string{"operation", "error_type"},
		),
		keyWrapDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "key_wrap_duration_seconds",
				Help:      "Data key wrap/unwrap duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"operation"}, // "wrap" or "unwrap"
		),
		segmentUploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segment_uploads_total",
				Help:      "Total number of uploaded segments",
			},
			[]string{"index_type", "compression", "encryption"},
		),
		segmentUploadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segment_upload_bytes_total",
				Help:      "Bytes uploaded, before and after transformation",
			},
			[]string{"kind"}, // "original" or "transformed"
		),
		chunksFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_fetched_total",
				Help:      "Total number of chunks fetched and detransformed",
			},
		),
		chunkBytesFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_bytes_fetched_total",
				Help:      "Total transformed bytes fetched from the object store",
			},
		),
		segmentFetchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_fetch_duration_seconds",
				Help:      "Duration of ranged segment fetches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_cache_lookups_total",
				Help:      "Manifest cache lookups by result",
			},
			[]string{"result"}, // "hit" or "miss"
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_total",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_sys_bytes",
				Help:      "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordStorageOperation records an object store operation.
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration) {
	m.storageOperations.WithLabelValues(operation).Inc()
	m.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStorageError records an object store error.
func (m *Metrics) RecordStorageError(operation, errorType string) {
	m.storageErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordManifestOperation records a manifest encode or decode.
func (m *Metrics) RecordManifestOperation(operation string) {
	m.manifestOperations.WithLabelValues(operation).Inc()
}

// RecordManifestError records a failed manifest encode or decode.
func (m *Metrics) RecordManifestError(operation, errorType string) {
	m.manifestErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordKeyWrap records the duration of a data key wrap or unwrap.
func (m *Metrics) RecordKeyWrap(operation string, duration time.Duration) {
	m.keyWrapDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSegmentUpload records a completed upload.
func (m *Metrics) RecordSegmentUpload(indexType string, compression, encryption bool, originalBytes, transformedBytes int64) {
	m.segmentUploads.WithLabelValues(indexType, boolLabel(compression), boolLabel(encryption)).Inc()
	m.segmentUploadBytes.WithLabelValues("original").Add(float64(originalBytes))
	m.segmentUploadBytes.WithLabelValues("transformed").Add(float64(transformedBytes))
}

// RecordChunkFetch records a ranged fetch covering chunks transformed chunks.
func (m *Metrics) RecordChunkFetch(chunks int, transformedBytes int64, duration time.Duration) {
	m.chunksFetched.Add(float64(chunks))
	m.chunkBytesFetched.Add(float64(transformedBytes))
	m.segmentFetchLatency.Observe(duration.Seconds())
}

// RecordCacheLookup records a manifest cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until
// the returned stop function is called.
func (m *Metrics) StartSystemMetricsCollector(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
