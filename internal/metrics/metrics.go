// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EvaluationsTotal counts evaluations by decision and source.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "evaluations_total",
			Help:      "Total evaluations by decision and source (api, batch, stream).",
		},
		[]string{"decision", "source"},
	)

	// HardBlocksTotal counts hard-block overrides by reason.
	HardBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "hard_blocks_total",
			Help:      "Total hard-block overrides by reason.",
		},
		[]string{"reason"},
	)

	// ValidationErrorsTotal counts transactions rejected before evaluation.
	ValidationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "validation_errors_total",
			Help:      "Total malformed transactions by source.",
		},
		[]string{"source"},
	)

	// CacheLookupsTotal counts result cache lookups by outcome.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "cache_lookups_total",
			Help:      "Total result cache lookups by outcome (hit, miss).",
		},
		[]string{"outcome"},
	)

	// EvaluationDuration observes engine latency.
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent in the risk engine per transaction.",
			Buckets:   []float64{.00001, .00005, .0001, .00025, .0005, .001, .005, .01},
		},
	)

	// BatchRowsTotal counts batch rows by outcome.
	BatchRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "batch_rows_total",
			Help:      "Total batch rows by outcome (evaluated, invalid).",
		},
		[]string{"outcome"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		EvaluationsTotal,
		HardBlocksTotal,
		ValidationErrorsTotal,
		CacheLookupsTotal,
		EvaluationDuration,
		BatchRowsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// hardBlockPrefix marks the reason emitted by a hard-block override.
const hardBlockPrefix = "hard_block:"

// ObserveEvaluation records one completed evaluation.
func ObserveEvaluation(source string, result *domain.EvaluationResult, elapsed time.Duration) {
	EvaluationsTotal.WithLabelValues(string(result.Decision), source).Inc()
	EvaluationDuration.Observe(elapsed.Seconds())

	if result.HardBlock && len(result.Reasons) > 0 {
		HardBlocksTotal.WithLabelValues(result.Reasons[0]).Inc()
	}
}

// ObserveValidationError records one transaction rejected before evaluation.
func ObserveValidationError(source string) {
	ValidationErrorsTotal.WithLabelValues(source).Inc()
}

// ObserveCacheLookup records a result cache hit or miss.
func ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// Middleware records request metrics. It must run inside the chi router so
// the route pattern is known once the request completes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(rec.status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
