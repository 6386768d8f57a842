// Package metrics exposes Prometheus collectors for the range crawler.
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
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangecrawler_fetch_attempts_total",
			Help: "Total number of fetch attempts, labeled by classified result.",
		},
		[]string{"result"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rangecrawler_fetch_duration_seconds",
			Help:    "Histogram of fetch attempt latencies, labeled by classified result.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"result"},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangecrawler_outcomes_total",
			Help: "Total number of IDs resolved, labeled by terminal outcome.",
		},
		[]string{"outcome"},
	)

	proxyEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangecrawler_proxy_evictions_total",
			Help: "Total number of proxies evicted from the pool, labeled by reason.",
		},
		[]string{"reason"},
	)

	proxyPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rangecrawler_proxy_pool_size",
			Help: "Number of proxies currently in the pool.",
		},
	)

	inflightWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rangecrawler_inflight_workers",
			Help: "Number of fetch workers currently in flight.",
		},
	)

	cursorValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rangecrawler_cursor",
			Help: "Last persisted progress watermark (next unresolved ID).",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rangecrawler_rate_limit_delay_seconds",
			Help:    "Histogram of per-proxy rate limiter wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangecrawler_http_requests_total",
			Help: "Total number of status server requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rangecrawler_http_request_duration_seconds",
			Help:    "Histogram of status server request latencies.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one fetch attempt and its latency.
func ObserveAttempt(result string, duration time.Duration) {
	fetchAttemptsTotal.WithLabelValues(result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveOutcome increments the outcome counter.
func ObserveOutcome(outcome string) {
	outcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveEviction increments the eviction counter for reason.
func ObserveEviction(reason string) {
	proxyEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetPoolSize records the current proxy pool size.
func SetPoolSize(n int) {
	proxyPoolSize.Set(float64(n))
}

// IncInflight increments the in-flight workers gauge.
func IncInflight() {
	inflightWorkers.Inc()
}

// DecInflight decrements the in-flight workers gauge.
func DecInflight() {
	inflightWorkers.Dec()
}

// SetCursor records the persisted watermark.
func SetCursor(next int64) {
	cursorValue.Set(float64(next))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records one request served by the status server.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
