package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts cache lookups by partition and result (hit|miss).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbeat_worker_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"partition", "result"},
	)

	// StrategyFallbacks counts responses served from a fallback path (cache|shell|offline).
	StrategyFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbeat_worker_strategy_fallbacks_total",
			Help: "Total number of strategy fallback responses",
		},
		[]string{"strategy", "fallback"},
	)

	// CacheEvictions counts entries removed by maintenance, by partition.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbeat_worker_cache_evictions_total",
			Help: "Total number of cache entries evicted by maintenance",
		},
		[]string{"partition"},
	)

	// SyncRecords counts replayed offline records by outcome (success|failure|skipped).
	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbeat_worker_sync_records_total",
			Help: "Total number of offline attendance records processed",
		},
		[]string{"outcome"},
	)

	// MessengerCalls counts page RPC calls by result (ok|timeout|no_clients|error).
	MessengerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbeat_worker_messenger_calls_total",
			Help: "Total number of cross-context messenger calls",
		},
		[]string{"type", "result"},
	)

	// ProxyLatency measures intercepted request latencies.
	ProxyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbeat_worker_proxy_latency_seconds",
			Help:    "Latency of intercepted requests by classification",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"classification", "status"},
	)
)
