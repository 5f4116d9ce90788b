// Package metrics exposes Prometheus collectors for the autopublisher service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal                 *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	quotaRejectionsTotal       *prometheus.CounterVec
	gapWaitSeconds             prometheus.Histogram
	retriesTotal               *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	headlessPromotionsTotal    prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopub_items_total",
				Help: "Total (item, profile) pairs recorded, labeled by outcome and stage.",
			},
			[]string{"outcome", "stage"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopub_stage_duration_seconds",
				Help:    "Histogram of pipeline stage latencies.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		quotaRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopub_quota_rejections_total",
				Help: "Reservations refused because a profile reached its daily cap.",
			},
			[]string{"profile"},
		)

		gapWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopub_gap_wait_seconds",
				Help:    "Time spent waiting between publishes to the same profile.",
				Buckets: []float64{1, 30, 60, 300, 600, 1800, 3600},
			},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopub_retries_total",
				Help: "Collaborator calls retried after a transient failure, labeled by operation.",
			},
			[]string{"op"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopub_fetch_total",
				Help: "Detail fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopub_fetch_bytes_total",
				Help: "Bytes fetched for item details, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "autopub_headless_promotions_total",
				Help: "Detail pages re-fetched with the headless browser.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopub_active_workers",
				Help: "Number of workers currently executing a run.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopub_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts one recorded log entry.
func ObserveItem(outcome, stage string) {
	Init()
	itemsTotal.WithLabelValues(outcome, stage).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveQuotaRejection counts a refused reservation.
func ObserveQuotaRejection(profileID string) {
	Init()
	quotaRejectionsTotal.WithLabelValues(profileID).Inc()
}

// ObserveGapWait records a completed or interrupted gap wait.
func ObserveGapWait(d time.Duration) {
	Init()
	gapWaitSeconds.Observe(d.Seconds())
}

// ObserveRetry counts a retried collaborator call.
func ObserveRetry(op string) {
	Init()
	retriesTotal.WithLabelValues(op).Inc()
}

// ObserveFetch increments the detail fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHeadlessPromotion counts a fetch escalated to the headless browser.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
