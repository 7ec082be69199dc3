// Package metrics exposes Prometheus collectors for the media pipeline.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              *prometheus.GaugeVec
	stalledJobsTotal           *prometheus.CounterVec
	pagesScrapedTotal          *prometheus.CounterVec
	candidatesTotal            *prometheus.CounterVec
	mediaSavedTotal            prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_jobs_total",
				Help: "Total number of job attempts, labeled by queue and outcome.",
			},
			[]string{"queue", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "media_job_duration_seconds",
				Help:    "Histogram of job handler latencies, labeled by queue.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"queue"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "media_active_workers",
				Help: "Number of workers currently processing a job, labeled by queue.",
			},
			[]string{"queue"},
		)

		stalledJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_stalled_jobs_total",
				Help: "Jobs reclaimed by stall recovery, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)

		pagesScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_pages_scraped_total",
				Help: "Total number of pages scraped, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "media_candidates_total",
				Help: "Media candidates seen by the dedup filter, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		mediaSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "media_saved_total",
				Help: "Total number of media records inserted.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "media_fetch_rate_limit_delay_seconds",
				Help:    "Time page fetches spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
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

// ObserveJob records one finished job attempt.
func ObserveJob(queue, status string, duration time.Duration) {
	jobsTotal.WithLabelValues(queue, status).Inc()
	jobDurationSeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge for queue.
func IncActiveWorkers(queue string) {
	activeWorkers.WithLabelValues(queue).Inc()
}

// DecActiveWorkers decrements the active workers gauge for queue.
func DecActiveWorkers(queue string) {
	activeWorkers.WithLabelValues(queue).Dec()
}

// ObserveStalled records jobs reclaimed by a stall recovery pass.
func ObserveStalled(queue string, requeued, failed int) {
	if requeued > 0 {
		stalledJobsTotal.WithLabelValues(queue, "requeued").Add(float64(requeued))
	}
	if failed > 0 {
		stalledJobsTotal.WithLabelValues(queue, "failed").Add(float64(failed))
	}
}

// ObserveScrape records a scraped page.
func ObserveScrape(pageURL, status string) {
	pagesScrapedTotal.WithLabelValues(SanitizeSite(pageURL), status).Inc()
}

// ObserveCandidates records candidates extracted from a page and how many
// survived dedup to be forwarded.
func ObserveCandidates(extracted, forwarded int) {
	if extracted > 0 {
		candidatesTotal.WithLabelValues("extracted").Add(float64(extracted))
	}
	if forwarded > 0 {
		candidatesTotal.WithLabelValues("forwarded").Add(float64(forwarded))
	}
	if dup := extracted - forwarded; dup > 0 {
		candidatesTotal.WithLabelValues("duplicate").Add(float64(dup))
	}
}

// ObserveSaved records inserted media rows.
func ObserveSaved(n int64) {
	if n > 0 {
		mediaSavedTotal.Add(float64(n))
	}
}

// ObserveRateLimitDelay records time spent waiting to fetch from site.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
