// Package metrics exposes Prometheus collectors for the harvester engine.
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
	targetsTotal          *prometheus.CounterVec
	recordsTotal          *prometheus.CounterVec
	strategyAttemptsTotal *prometheus.CounterVec
	fetchRequestsTotal    *prometheus.CounterVec
	rateLimitWaitSeconds  *prometheus.HistogramVec
	breakerTransitions    *prometheus.CounterVec
	activeCrawls          prometheus.Gauge
	runDurationSeconds    prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		targetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_targets_total",
				Help: "Target crawls finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Fresh records published, labeled by extracting strategy.",
			},
			[]string{"strategy"},
		)

		strategyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_strategy_attempts_total",
				Help: "Strategy executions inside fallback chains, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_requests_total",
				Help: "HTTP fetches issued, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Time spent waiting on per-origin rate limit tokens.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
		)

		breakerTransitions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_breaker_transitions_total",
				Help: "Circuit breaker state transitions, labeled by origin and new state.",
			},
			[]string{"origin", "state"},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_crawls",
				Help: "Target crawls currently in flight.",
			},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Wall time of completed orchestrated runs.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTarget counts one finished target crawl.
func ObserveTarget(outcome string) {
	if targetsTotal != nil {
		targetsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveRecords counts fresh records attributed to a strategy.
func ObserveRecords(strategy string, n int) {
	if recordsTotal != nil && n > 0 {
		recordsTotal.WithLabelValues(strategy).Add(float64(n))
	}
}

// ObserveStrategy counts one strategy execution within a fallback chain.
func ObserveStrategy(strategy, outcome string) {
	if strategyAttemptsTotal != nil {
		strategyAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	}
}

// ObserveFetch counts one HTTP fetch. Code 0 means no response was seen.
func ObserveFetch(host string, code int) {
	if fetchRequestsTotal != nil {
		fetchRequestsTotal.WithLabelValues(host, strconv.Itoa(code)).Inc()
	}
}

// ObserveRateLimitWait records a token acquisition delay.
func ObserveRateLimitWait(origin string, d time.Duration) {
	if rateLimitWaitSeconds != nil {
		rateLimitWaitSeconds.WithLabelValues(origin).Observe(d.Seconds())
	}
}

// ObserveBreakerTransition records a breaker moving to a new state.
func ObserveBreakerTransition(origin, state string) {
	if breakerTransitions != nil {
		breakerTransitions.WithLabelValues(origin, state).Inc()
	}
}

// IncActiveCrawls increments the in-flight crawl gauge.
func IncActiveCrawls() {
	if activeCrawls != nil {
		activeCrawls.Inc()
	}
}

// DecActiveCrawls decrements the in-flight crawl gauge.
func DecActiveCrawls() {
	if activeCrawls != nil {
		activeCrawls.Dec()
	}
}

// ObserveRunDuration records the wall time of a finished run.
func ObserveRunDuration(d time.Duration) {
	if runDurationSeconds != nil {
		runDurationSeconds.Observe(d.Seconds())
	}
}
