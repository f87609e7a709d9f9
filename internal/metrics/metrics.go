// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_cache_lookups_total",
			Help: "Total cache lookups by result",
		},
		[]string{"result"},
	)

	cacheWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offsync_cache_write_errors_total",
			Help: "Cache writes that failed to persist",
		},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_queue_depth",
			Help: "Number of mutations waiting to be synced",
		},
	)

	pendingStatuses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_pending_statuses",
			Help: "Number of records with a pending target status",
		},
	)

	mutationsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_mutations_enqueued_total",
			Help: "Total mutations queued for later sync",
		},
		[]string{"method"},
	)

	// Sync metrics
	drainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_drains_total",
			Help: "Total drain attempts by outcome",
		},
		[]string{"outcome"},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offsync_drain_duration_seconds",
			Help:    "Time spent replaying the mutation queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	replaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_replays_total",
			Help: "Total mutation replays by method and result",
		},
		[]string{"method", "result"},
	)

	// Connectivity metrics
	connectivityTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_connectivity_transitions_total",
			Help: "Total connectivity transitions",
		},
		[]string{"state"},
	)

	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offsync_online",
			Help: "1 when the network is reachable, 0 otherwise",
		},
	)

	// Transport metrics
	transportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_transport_requests_total",
			Help: "Total remote requests",
		},
		[]string{"method", "status"},
	)

	transportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offsync_transport_request_duration_seconds",
			Help:    "Remote request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Request layer metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_requests_total",
			Help: "Request layer calls by method and mode",
		},
		[]string{"method", "mode"},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offsync_storage_operation_duration_seconds",
			Help:    "Durable storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_storage_operations_total",
			Help: "Total durable storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Debug API metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_http_requests_total",
			Help: "Total number of debug API requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheWriteError records a swallowed cache persistence failure.
func RecordCacheWriteError() {
	cacheWriteErrorsTotal.Inc()
}

// SetQueueDepth sets the current mutation queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetPendingStatuses sets the number of pending status entries.
func SetPendingStatuses(n int) {
	pendingStatuses.Set(float64(n))
}

// RecordEnqueue records a queued mutation.
func RecordEnqueue(method string) {
	mutationsEnqueuedTotal.WithLabelValues(method).Inc()
}

// RecordDrain records a drain attempt. Outcome is one of
// "noop", "complete", "partial".
func RecordDrain(outcome string, duration time.Duration) {
	drainsTotal.WithLabelValues(outcome).Inc()
	if outcome != "noop" {
		drainDuration.Observe(duration.Seconds())
	}
}

// RecordReplay records a single mutation replay.
func RecordReplay(method string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	replaysTotal.WithLabelValues(method, result).Inc()
}

// RecordTransition records a connectivity transition.
func RecordTransition(connected bool) {
	state := "online"
	v := 1.0
	if !connected {
		state = "offline"
		v = 0
	}
	connectivityTransitionsTotal.WithLabelValues(state).Inc()
	online.Set(v)
}

// RecordTransportRequest records a remote request.
func RecordTransportRequest(method string, status int, duration time.Duration) {
	transportRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	transportRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRequest records a request layer call served online or offline.
func RecordRequest(method string, offline bool) {
	mode := "online"
	if offline {
		mode = "offline"
	}
	requestsTotal.WithLabelValues(method, mode).Inc()
}

// RecordStorageOperation records a durable storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
