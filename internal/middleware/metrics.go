package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// Resolution metrics
	ResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "instancewatch_resolve_duration_seconds",
			Help:    "Duration of instance status resolution cycles",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	DirectoryFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instancewatch_directory_fetch_errors_total",
			Help: "Total number of failed instance directory fetches",
		},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instancewatch_probe_duration_seconds",
			Help:    "Duration of instance liveness probes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"result"},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancewatch_probes_total",
			Help: "Total number of instance probes by result",
		},
		[]string{"result"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instancewatch_cache_hits_total",
			Help: "Total number of fresh cached statuses served",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instancewatch_cache_misses_total",
			Help: "Total number of statuses that required a probe",
		},
	)

	InstancesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instancewatch_public_instances",
			Help: "Number of public instances in the last snapshot",
		},
	)

	InstancesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instancewatch_public_instances_online",
			Help: "Number of live public instances in the last snapshot",
		},
	)
)

// Metrics returns a middleware that records Prometheus metrics
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())
		path := routeOf(r.URL.Path).Pattern

		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		httpResponseSize.WithLabelValues(r.Method, path).Observe(float64(ww.BytesWritten()))
	})
}
