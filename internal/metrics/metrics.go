package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ledgerchat"
	subsystem = "entitlements"
)

var (
	// SubscriptionsByPlan tracks stored subscriptions per plan id.
	SubscriptionsByPlan = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscriptions_by_plan",
		Help:      "Number of stored subscriptions by plan.",
	}, []string{"plan"})

	// DowngradesTotal counts expiration downgrades by the plan that lapsed.
	DowngradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "downgrades_total",
		Help:      "Total paid plans downgraded to free tier on expiration.",
	}, []string{"plan"})

	// QuotaDecisionsTotal counts quota checks by plan and outcome.
	QuotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "quota_decisions_total",
		Help:      "Token quota checks by plan and outcome (allowed/denied/unlimited/failed_open/failed_closed).",
	}, []string{"plan", "outcome"})

	// TokensRecordedTotal sums tokens added to ledgers.
	TokensRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tokens_recorded_total",
		Help:      "Total tokens recorded against user ledgers by plan.",
	}, []string{"plan"})

	// StoreFailuresTotal counts store reads that failed after retries.
	StoreFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "store_read_failures_total",
		Help:      "Store reads that failed after retries, by operation.",
	}, []string{"op"})

	// RefreshChecksTotal counts session status checks by trigger and result.
	RefreshChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "refresh_checks_total",
		Help:      "Session entitlement checks by trigger and result.",
	}, []string{"trigger", "result"})

	// NoticesTotal counts expiration notices delivered to sessions.
	NoticesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "notices_total",
		Help:      "Expiration notices delivered by kind.",
	}, []string{"kind"})

	// SweepDuration tracks expiry sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sweep_duration_seconds",
		Help:      "Expiry sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// ActiveSessions tracks connected websocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_sessions",
		Help:      "Number of connected entitlement sessions.",
	})
)

var (
	// APIRequestsTotal counts HTTP requests by method, route and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total API requests.",
	}, []string{"method", "route", "status"})

	// APIRequestDuration tracks request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route", "status"})

	// RateLimitedTotal counts requests rejected by a limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting, by limiter.",
	}, []string{"limiter"})
)
