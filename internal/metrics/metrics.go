// Package metrics holds the Prometheus collectors for llmcompare. They are
// registered on the default registry at init and served by GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmcompare"

// LatencyBuckets spans fast providers (a few hundred ms) up to the longest
// per-provider deadline we expect to configure (five minutes).
var LatencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240, 300,
}

// =============================================================================
// Dispatch
// =============================================================================

var (
	// ProviderCalls counts settled provider races by outcome. outcome is
	// "success" or a failure kind such as "timeout" or "auth".
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Settled provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderLatency tracks how long each provider race took to settle,
	// including races that ended at their deadline.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// DispatchDuration tracks the wall time of a whole fan-out.
	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Fan-out wall time from start to last settlement",
			Buckets:   LatencyBuckets,
		},
	)
)

// =============================================================================
// Cache + storage
// =============================================================================

var (
	// CacheLookups counts prompt cache lookups. method is exact, lexical,
	// ai-judged, embedding, or "miss".
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Prompt cache lookups by resolving method",
		},
		[]string{"type", "method"},
	)

	// CacheErrors counts swallowed cache-lookup failures by stage.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache lookup failures absorbed by the lookup chain",
		},
		[]string{"stage"},
	)

	// StoreWrites counts conversation saves by result ("saved", "failed",
	// "dropped").
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Conversation record writes by result",
		},
		[]string{"result"},
	)
)
