// Package metrics provides Prometheus metrics for the Cirrus Drive server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirrusdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cirrusdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirrusdrive_cache_hits_total",
			Help: "Total cache hits by key class",
		},
		[]string{"class"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirrusdrive_cache_misses_total",
			Help: "Total cache misses by key class",
		},
		[]string{"class"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cirrusdrive_cache_evictions_total",
			Help: "Total cache entries evicted by capacity pressure",
		},
	)

	// Object store metrics
	objectStoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cirrusdrive_object_store_op_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)

	// Upload metrics
	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cirrusdrive_upload_bytes_total",
			Help: "Total bytes accepted through upload completion",
		},
	)

	uploadPartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cirrusdrive_upload_parts_total",
			Help: "Total multipart parts uploaded through the relay path",
		},
	)

	multipartSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cirrusdrive_multipart_sessions_active",
			Help: "Number of multipart upload sessions currently open",
		},
	)

	// Quota metrics
	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirrusdrive_quota_exceeded_total",
			Help: "Total writes rejected by quota enforcement",
		},
		[]string{"role"},
	)
)

// RecordCacheHit records a cache hit for a key class.
func RecordCacheHit(class string) {
	cacheHitsTotal.WithLabelValues(class).Inc()
}

// RecordCacheMiss records a cache miss for a key class.
func RecordCacheMiss(class string) {
	cacheMissesTotal.WithLabelValues(class).Inc()
}

// RecordCacheEviction records a capacity eviction.
func RecordCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// RecordObjectStoreOp records an object store operation.
func RecordObjectStoreOp(op string, duration time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	objectStoreOpDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

// RecordUploadBytes records bytes accepted by a completed upload.
func RecordUploadBytes(n int64) {
	uploadBytesTotal.Add(float64(n))
}

// RecordPartUploaded records one relayed multipart part.
func RecordPartUploaded() {
	uploadPartsTotal.Inc()
}

// MultipartSessionOpened increments the active session gauge.
func MultipartSessionOpened() {
	multipartSessionsActive.Inc()
}

// MultipartSessionClosed decrements the active session gauge.
func MultipartSessionClosed() {
	multipartSessionsActive.Dec()
}

// RecordQuotaExceeded records a quota rejection for an owner role.
func RecordQuotaExceeded(role string) {
	quotaExceededTotal.WithLabelValues(role).Inc()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
