// Package metrics provides the Prometheus collectors used while walking the
// run history. Collectors are registered on an explicit registerer so that
// every walk (and every test) can own its counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Walk outcomes used as the "outcome" label of runhistory_walks_total.
const (
	// OutcomeDone counts walks that fetched every page.
	OutcomeDone = "done"

	// OutcomePartial counts walks that stopped after page 1.
	OutcomePartial = "partial"

	// OutcomeFatal counts walks whose first page failed.
	OutcomeFatal = "fatal"
)

// Collector groups the runhistory metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	requestsTotal        *prometheus.CounterVec
	requestDuration      prometheus.Histogram
	retriesTotal         *prometheus.CounterVec
	retryBackoffSeconds  *prometheus.HistogramVec
	retryExhaustedTotal  *prometheus.CounterVec
	rateLimitRemaining   prometheus.Gauge
	rateLimitWaitsTotal  prometheus.Counter
	rateLimitWaitSeconds prometheus.Histogram
	pagesFetchedTotal    prometheus.Counter
	recordsFetchedTotal  prometheus.Counter
	walksTotal           *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg.
// A nil registerer creates unregistered collectors.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runhistory_requests_total",
			Help: "Total GitHub API page requests by HTTP status",
		}, []string{"status"}),

		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "runhistory_request_duration_seconds",
			Help:    "GitHub API page request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runhistory_retries_total",
			Help: "Total number of retry attempts by error class",
		}, []string{"error_class"}),

		retryBackoffSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runhistory_retry_backoff_seconds",
			Help:    "Backoff duration for retries by error class",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 300, 3600},
		}, []string{"error_class"}),

		retryExhaustedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runhistory_retry_exhausted_total",
			Help: "Total number of times retry attempts were exhausted by error class",
		}, []string{"error_class"}),

		rateLimitRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runhistory_rate_limit_remaining",
			Help: "Core rate limit budget remaining at the last probe",
		}),

		rateLimitWaitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "runhistory_rate_limit_waits_total",
			Help: "Total number of proactive waits for the rate limit reset",
		}),

		rateLimitWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "runhistory_rate_limit_wait_seconds",
			Help:    "Duration of proactive rate limit waits",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600},
		}),

		pagesFetchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "runhistory_pages_fetched_total",
			Help: "Total number of run history pages fetched successfully",
		}),

		recordsFetchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "runhistory_records_fetched_total",
			Help: "Total number of workflow run records aggregated",
		}),

		walksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runhistory_walks_total",
			Help: "Total number of pagination walks by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveRequest records one page request attempt.
func (c *Collector) ObserveRequest(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(status).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry and its backoff.
func (c *Collector) ObserveRetry(errorClass string, backoff time.Duration) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(errorClass).Inc()
	c.retryBackoffSeconds.WithLabelValues(errorClass).Observe(backoff.Seconds())
}

// ObserveRetryExhausted records a request that ran out of retries.
func (c *Collector) ObserveRetryExhausted(errorClass string) {
	if c == nil {
		return
	}
	c.retryExhaustedTotal.WithLabelValues(errorClass).Inc()
}

// SetRateLimitRemaining records the budget returned by the last probe.
func (c *Collector) SetRateLimitRemaining(remaining int) {
	if c == nil {
		return
	}
	c.rateLimitRemaining.Set(float64(remaining))
}

// ObserveRateLimitWait records a proactive wait.
func (c *Collector) ObserveRateLimitWait(wait time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitWaitsTotal.Inc()
	c.rateLimitWaitSeconds.Observe(wait.Seconds())
}

// ObservePage records a successfully aggregated page.
func (c *Collector) ObservePage(records int) {
	if c == nil {
		return
	}
	c.pagesFetchedTotal.Inc()
	c.recordsFetchedTotal.Add(float64(records))
}

// ObserveWalk records the terminal outcome of a walk.
func (c *Collector) ObserveWalk(outcome string) {
	if c == nil {
		return
	}
	c.walksTotal.WithLabelValues(outcome).Inc()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - runhistory_requests_total{status} (Counter)
//   - runhistory_request_duration_seconds (Histogram)
//
// Retry Metrics (pkg/client):
//   - runhistory_retries_total{error_class} (Counter)
//   - runhistory_retry_backoff_seconds{error_class} (Histogram)
//   - runhistory_retry_exhausted_total{error_class} (Counter)
//
// Rate Limit Metrics (pkg/ratelimit, pkg/pagination):
//   - runhistory_rate_limit_remaining (Gauge)
//   - runhistory_rate_limit_waits_total (Counter)
//   - runhistory_rate_limit_wait_seconds (Histogram)
//
// Walk Metrics (pkg/pagination):
//   - runhistory_pages_fetched_total (Counter)
//   - runhistory_records_fetched_total (Counter)
//   - runhistory_walks_total{outcome} (Counter)
//
// Example Prometheus Queries:
//
//	# Retries per page
//	sum(rate(runhistory_retries_total[5m])) / rate(runhistory_pages_fetched_total[5m])
//
//	# Budget running low
//	runhistory_rate_limit_remaining < 10
