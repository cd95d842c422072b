package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	httpResponseBytes       *prometheus.CounterVec
	encryptionOperations    *prometheus.CounterVec
	encryptionDuration      *prometheus.HistogramVec
	encryptionErrors        *prometheus.CounterVec
	rotatedReads            *prometheus.CounterVec
	rotationPersistFailures *prometheus.CounterVec
	recordDecryptFailures   *prometheus.CounterVec
	storeOperations         *prometheus.CounterVec
	storeOperationDuration  *prometheus.HistogramVec
	keyringInfo             *prometheus.GaugeVec
	activeConnections       prometheus.Gauge
	goroutines              prometheus.Gauge
	memoryAllocBytes        prometheus.Gauge
	memorySysBytes          prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(defaultRegistry, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		httpResponseBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_response_bytes_total",
				Help: "Total bytes written in HTTP responses",
			},
			[]string{"method", "route"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation", "collection"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_rotated_reads_total",
				Help: "Total number of decryption operations using rotated (non-active) key versions",
			},
			[]string{"key_version", "active_version"},
		),
		rotationPersistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotation_persist_failures_total",
				Help: "Total number of re-encrypted records that could not be written back",
			},
			[]string{"collection"},
		),
		recordDecryptFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "record_decrypt_failures_total",
				Help: "Total number of stored records that could not be decrypted",
			},
			[]string{"collection", "reason"},
		),
		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of document backend operations",
			},
			[]string{"operation", "collection", "result"},
		),
		storeOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Document backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "collection"},
		),
		keyringInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyring_info",
				Help: "Configured key registry; value is the number of registered key versions",
			},
			[]string{"mode", "primary_version"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.httpResponseBytes.WithLabelValues(method, route).Add(float64(bytes))
}

// RecordEncryptionOperation records an encryption or decryption of one record.
func (m *Metrics) RecordEncryptionOperation(operation, collection string, duration time.Duration) {
	m.encryptionOperations.WithLabelValues(operation, collection).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRotatedRead records a read served by a non-primary key version.
func (m *Metrics) RecordRotatedRead(keyVersion, activeVersion string) {
	m.rotatedReads.WithLabelValues(keyVersion, activeVersion).Inc()
}

// RecordRotationPersistFailure records a rotated ciphertext that was not written back.
func (m *Metrics) RecordRotationPersistFailure(collection string) {
	m.rotationPersistFailures.WithLabelValues(collection).Inc()
}

// RecordDecryptFailure records a stored record that could not be decrypted.
func (m *Metrics) RecordDecryptFailure(collection, reason string) {
	m.recordDecryptFailures.WithLabelValues(collection, reason).Inc()
}

// RecordStoreOperation records a document backend operation.
func (m *Metrics) RecordStoreOperation(operation, collection string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOperations.WithLabelValues(operation, collection, result).Inc()
	m.storeOperationDuration.WithLabelValues(operation, collection).Observe(duration.Seconds())
}

// SetKeyring publishes the key registry shape. Key material is never exported.
func (m *Metrics) SetKeyring(mode, primaryVersion string, versions int) {
	m.keyringInfo.Reset()
	m.keyringInfo.WithLabelValues(mode, primaryVersion).Set(float64(versions))
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

// StartSystemMetricsCollector updates system metrics every 5 seconds until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
