// Package metrics exposes the process-wide Prometheus collectors for the
// orchestrator. Task and page counters derived from status events live in
// progress/sinks; this package covers everything that is not an event.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	navigationsTotal           *prometheus.CounterVec
	challengeWaitSeconds       *prometheus.HistogramVec
	browserSessionsActive      prometheus.Gauge
	admissionsTotal            *prometheus.CounterVec
	pageProbesTotal            *prometheus.CounterVec
	retentionRowsDeleted       prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call multiple times, and every Observe helper calls it first.
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

		navigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_navigations_total",
				Help: "Browser navigation attempts, labeled by result.",
			},
			[]string{"result"},
		)

		challengeWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_crawler_challenge_wait_seconds",
				Help:    "Time spent waiting for verification challenges, labeled by outcome.",
				Buckets: []float64{10, 30, 60, 120, 180, 240, 300},
			},
			[]string{"outcome"},
		)

		browserSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listing_crawler_browser_sessions_active",
				Help: "Browser sessions currently open.",
			},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_admissions_total",
				Help: "Task submissions, labeled by decision.",
			},
			[]string{"decision"},
		)

		pageProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_page_probes_total",
				Help: "Total-page-count probes, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		retentionRowsDeleted = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listing_crawler_retention_rows_deleted_total",
				Help: "Rows removed by retention cleanup.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveNavigation counts one navigation attempt. result is "ok", "error",
// "not_ready", or "rejected".
func ObserveNavigation(result string) {
	Init()
	navigationsTotal.WithLabelValues(result).Inc()
}

// ObserveChallengeWait records how long a challenge wait lasted and whether
// it cleared.
func ObserveChallengeWait(cleared bool, waited time.Duration) {
	Init()
	outcome := "timeout"
	if cleared {
		outcome = "cleared"
	}
	challengeWaitSeconds.WithLabelValues(outcome).Observe(waited.Seconds())
}

// IncBrowserSessions increments the open browser gauge.
func IncBrowserSessions() {
	Init()
	browserSessionsActive.Inc()
}

// DecBrowserSessions decrements the open browser gauge.
func DecBrowserSessions() {
	Init()
	browserSessionsActive.Dec()
}

// ObserveAdmission counts a submission decision: "accepted", "invalid", or
// "restricted".
func ObserveAdmission(decision string) {
	Init()
	admissionsTotal.WithLabelValues(decision).Inc()
}

// ObserveProbe counts one total-page-count probe.
func ObserveProbe(mode string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	pageProbesTotal.WithLabelValues(mode, result).Inc()
}

// ObserveRetention adds the rows removed by one cleanup run.
func ObserveRetention(rows int64) {
	Init()
	if rows > 0 {
		retentionRowsDeleted.Add(float64(rows))
	}
}
