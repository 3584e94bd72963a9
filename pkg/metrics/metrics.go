// Package metrics defines the Prometheus collectors shared across the
// broker and collection engine. Names match the exported-metrics table
// verbatim so operators can dashboard against them without translation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultBuckets provides a common set of histogram buckets in seconds that can
// be reused across the application for latency metrics.
var DefaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10} //nolint: gochecknoglobals

var ( //nolint: gochecknoglobals
	// BrokerRateLimit is the last-observed per-credential limit for a budget.
	BrokerRateLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_rate_limit",
		Help: "Last observed rate limit for a (token, budget) pair.",
	}, []string{"token", "budget"})

	// BrokerRateRemaining is the last-observed per-credential remaining quota.
	BrokerRateRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_rate_remaining",
		Help: "Last observed remaining quota for a (token, budget) pair.",
	}, []string{"token", "budget"})

	// BrokerBudgetLimitTotal is the aggregate limit across all credentials for a budget.
	BrokerBudgetLimitTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_budget_limit_total",
		Help: "Aggregate rate limit across all credentials for a budget.",
	}, []string{"budget"})

	// BrokerBudgetRemainingTotal is the aggregate remaining quota across all credentials.
	BrokerBudgetRemainingTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_budget_remaining_total",
		Help: "Aggregate remaining quota across all credentials for a budget.",
	}, []string{"budget"})

	// BrokerQueueLength is the live length of a budget's priority-class queue.
	BrokerQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_queue_length",
		Help: "Current number of requests queued for a (budget, class) pair.",
	}, []string{"budget", "class"})

	// BrokerRetriesTotal counts retries issued by the executor, by reason.
	BrokerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_retries_total",
		Help: "Total number of retries issued by the executor.",
	}, []string{"budget", "reason"})

	// BrokerCacheEventsTotal counts cache lookup outcomes (hit, miss, coalesced, evicted).
	BrokerCacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_cache_events_total",
		Help: "Total number of cache events by kind.",
	}, []string{"event"})

	// FetchRequestsTotal counts fetcher-level operations by outcome.
	FetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_requests_total",
		Help: "Total number of fetcher operations by outcome.",
	}, []string{"fetcher", "op", "outcome"})

	// FetchItemsTotal counts individual items yielded by paginated fetcher operations.
	FetchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_items_total",
		Help: "Total number of items yielded by fetcher operations.",
	}, []string{"fetcher", "op"})

	// FetchLatencySeconds measures end-to-end latency of fetcher operations.
	FetchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetch_latency_seconds",
		Help:    "Latency of fetcher operations in seconds.",
		Buckets: DefaultBuckets,
	}, []string{"fetcher", "op"})

	// JobsState is the current count of collection jobs by status.
	JobsState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobs_state",
		Help: "Current number of collection jobs in each status.",
	}, []string{"status"})
)
