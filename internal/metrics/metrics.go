// Package metrics exposes Prometheus collectors for the ledger.
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
	ledgerDecisionsTotal        *prometheus.CounterVec
	ledgerUnkeyedRecordsTotal   *prometheus.CounterVec
	ledgerItemFailuresTotal     *prometheus.CounterVec
	ledgerCountValidationsTotal *prometheus.CounterVec
	ledgerRetryOutcomesTotal    *prometheus.CounterVec
	ledgerActiveWorkers         prometheus.Gauge
	ledgerBatchDurationSeconds  *prometheus.HistogramVec
	ledgerFetchThrottleSeconds  *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ledgerDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_decisions_total",
				Help: "Duplicate resolution decisions, labeled by incoming source type and decision.",
			},
			[]string{"source_type", "decision"},
		)

		ledgerUnkeyedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_unkeyed_records_total",
				Help: "Records stored without an identity, labeled by domain and canonicalization reason.",
			},
			[]string{"domain", "reason"},
		)

		ledgerItemFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_item_failures_total",
				Help: "Items that failed ingestion, labeled by source and error type.",
			},
			[]string{"source", "error_type"},
		)

		ledgerCountValidationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_count_validations_total",
				Help: "Completed count validations, labeled by terminal status.",
			},
			[]string{"status"},
		)

		ledgerRetryOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_retry_outcomes_total",
				Help: "Retry attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ledgerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_active_workers",
				Help: "Number of workers currently processing a source batch.",
			},
		)

		ledgerBatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_batch_duration_seconds",
				Help:    "Histogram of per-source batch durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"source"},
		)

		ledgerFetchThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_fetch_throttle_seconds",
				Help:    "Time detail fetches spent waiting on the per-domain rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"domain"},
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

// SanitizeDomain extracts a lowercase hostname for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeDomain(rawURL string) string {
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

// ObserveDecision counts one resolution decision.
func ObserveDecision(sourceType, decision string) {
	Init()
	ledgerDecisionsTotal.WithLabelValues(sourceType, decision).Inc()
}

// ObserveUnkeyed counts a record stored without identity.
func ObserveUnkeyed(domain, reason string) {
	Init()
	ledgerUnkeyedRecordsTotal.WithLabelValues(SanitizeDomain(domain), reason).Inc()
}

// ObserveItemFailure counts an item ingestion failure.
func ObserveItemFailure(source, errorType string) {
	Init()
	ledgerItemFailuresTotal.WithLabelValues(source, errorType).Inc()
}

// ObserveCountValidation counts a terminal count validation.
func ObserveCountValidation(status string) {
	Init()
	ledgerCountValidationsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry counts one retry attempt outcome.
func ObserveRetry(outcome string) {
	Init()
	ledgerRetryOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch records how long a source batch took.
func ObserveBatch(source string, duration time.Duration) {
	Init()
	ledgerBatchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveFetchThrottle records a rate limiter delay for domain.
func ObserveFetchThrottle(domain string, delay time.Duration) {
	Init()
	ledgerFetchThrottleSeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	ledgerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	ledgerActiveWorkers.Dec()
}
