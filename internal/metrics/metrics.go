// Package metrics exposes Prometheus collectors for the crawler service.
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
	rendersTotal               *prometheus.CounterVec
	renderBytesTotal           *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	chaptersTotal              *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	leasesRequeuedTotal        prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelcrawl_renders_total",
				Help: "Total number of pages rendered, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		renderBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelcrawl_render_bytes_total",
				Help: "Total number of HTML bytes rendered, labeled by site.",
			},
			[]string{"site"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelcrawl_render_duration_seconds",
				Help:    "Histogram of page render latencies, labeled by site.",
				Buckets: []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
			},
			[]string{"site"},
		)

		chaptersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelcrawl_chapters_total",
				Help: "Chapters processed, labeled by connector and outcome.",
			},
			[]string{"connector", "outcome"},
		)

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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelcrawl_jobs_total",
				Help: "Total number of jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "novelcrawl_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		leasesRequeuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "novelcrawl_leases_requeued_total",
				Help: "Jobs returned to pending after their lease expired.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelcrawl_rate_limit_delays_seconds",
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

// ObserveRender records one page render.
func ObserveRender(site, status string, bytesFetched int, duration time.Duration) {
	Init()
	host := SanitizeSite(site)
	rendersTotal.WithLabelValues(host, status).Inc()
	if bytesFetched > 0 {
		renderBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
	if duration > 0 {
		renderDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
	}
}

// ObserveChapter counts one chapter outcome (stored, skipped, failed, short).
func ObserveChapter(connector, outcome string) {
	Init()
	chaptersTotal.WithLabelValues(connector, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
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

// ObserveRequeued adds n lease expirations.
func ObserveRequeued(n int64) {
	Init()
	if n > 0 {
		leasesRequeuedTotal.Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
