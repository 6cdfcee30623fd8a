package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Total number of editor API requests",
		},
		[]string{"method", "outcome"}, // outcome: "ok", "retryable", "auth", "client_error", "server_error"
	)

	RequestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Total number of retried request attempts",
		},
	)

	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retouch",
			Subsystem: "transport",
			Name:      "request_latency_seconds",
			Help:      "Editor API request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"method"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "session",
			Name:      "token_refreshes_total",
			Help:      "Total number of access token refreshes",
		},
		[]string{"trigger"}, // "expiry" or "rejection"
	)

	// Stream metrics
	StreamEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "stream",
			Name:      "events_received_total",
			Help:      "Total number of push events received",
		},
		[]string{"status"},
	)

	StreamEventsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "stream",
			Name:      "events_discarded_total",
			Help:      "Total number of push events with no matching waiter",
		},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of push channel reconnection attempts",
		},
	)

	PendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "retouch",
			Subsystem: "stream",
			Name:      "pending_operations",
			Help:      "Number of registered operations awaiting a terminal event",
		},
	)

	// Skill metrics
	SkillInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "skill",
			Name:      "invocations_total",
			Help:      "Total number of ensure calls",
		},
		[]string{"skill", "outcome"}, // outcome: "success", "failure", "error"
	)

	SkillCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retouch",
			Subsystem: "skill",
			Name:      "cache_hits_total",
			Help:      "Total number of ensure calls resolved by an already computed artifact",
		},
		[]string{"skill"},
	)
)
