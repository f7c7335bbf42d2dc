// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	remoteRequestsTotal        *prometheus.CounterVec
	remoteRequestSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	sideBrowserNavigations     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		remoteRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_remote_requests_total",
				Help: "Remote content API calls, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		remoteRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_remote_request_duration_seconds",
				Help:    "Latency of remote content API calls.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"op"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"op"},
		)

		sideBrowserNavigations = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_side_browser_navigations_total",
				Help: "Side browser navigations, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRemoteCall records the latency and outcome of a remote API call.
func ObserveRemoteCall(op, outcome string, duration time.Duration) {
	Init()
	remoteRequestsTotal.WithLabelValues(op, outcome).Inc()
	remoteRequestSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(op string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveSideBrowserNavigation counts a side browser navigation by outcome.
func ObserveSideBrowserNavigation(outcome string) {
	Init()
	sideBrowserNavigations.WithLabelValues(outcome).Inc()
}
