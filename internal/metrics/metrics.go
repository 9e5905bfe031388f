// Package metrics provides Prometheus instrumentation for the guard and the
// in-process time-series Store that backs aggregation queries.
// Collectors are registered via Init and exposed through Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InvocationsTotal counts orchestrated calls by dependency, operation and outcome.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_invocations_total",
			Help: "Total orchestrated dependency invocations",
		},
		[]string{"dependency", "operation", "outcome"},
	)

	// InvocationDuration observes end-to-end invocation latency in seconds.
	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_invocation_duration_seconds",
			Help:    "Invocation latency in seconds, including cache and dedup short-circuits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency", "operation"},
	)

	// CircuitBreakerState exposes the current breaker state per dependency
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// CircuitBreakerTransitions counts state changes.
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// CircuitBreakerRejections counts calls failed fast by an open breaker.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_circuit_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit",
		},
		[]string{"dependency"},
	)

	// RetryTotal counts retry attempts by dependency.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"dependency"},
	)

	// RateLimitRejections counts calls refused by the local quota.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rate_limit_rejections_total",
			Help: "Total calls rejected by the per-dependency rate limiter",
		},
		[]string{"dependency"},
	)

	// CacheOperations counts cache lookups and writes by namespace and result.
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_cache_operations_total",
			Help: "Adaptive cache operations by result (hit, miss, set, expired, invalidated)",
		},
		[]string{"namespace", "result"},
	)

	// CacheEntries tracks live entries per namespace after each sweep.
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_cache_entries",
			Help: "Live cache entries per namespace",
		},
		[]string{"namespace"},
	)

	// DedupCalls counts deduplicator calls that executed or shared a result.
	DedupCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_dedup_calls_total",
			Help: "Deduplicator calls by result (executed, shared)",
		},
		[]string{"group", "result"},
	)

	// BatchFlushes counts batch flushes by trigger (size, timer, forced).
	BatchFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_batch_flushes_total",
			Help: "Batch queue flushes by trigger",
		},
		[]string{"queue", "trigger"},
	)

	// BatchSize observes the number of items per flushed batch.
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_batch_size",
			Help:    "Items per flushed batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"queue"},
	)

	// PoolInUse tracks slots with at least one holder.
	PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_pool_in_use",
			Help: "Connection pool slots currently held",
		},
		[]string{"pool"},
	)

	// PoolDegraded counts acquisitions that had to share a busy slot.
	PoolDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_pool_degraded_total",
			Help: "Acquisitions served by sharing an in-use slot because the pool was saturated",
		},
		[]string{"pool"},
	)

	// AuthFailures counts rejected admin credentials by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_auth_failures_total",
			Help: "Total authentication failures on guarded endpoints",
		},
		[]string{"reason"},
	)

	// AdminActions counts operator-triggered mutations.
	AdminActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_admin_actions_total",
			Help: "Total admin mutations by action",
		},
		[]string{"action"},
	)

	// ConfigReloads counts config reload attempts by result.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_config_reloads_total",
			Help: "Total config reload attempts by result",
		},
		[]string{"result"},
	)

	// StoreSeries tracks the number of series held by the metrics Store.
	StoreSeries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_metric_store_series",
			Help: "Series currently retained by the in-process metrics store",
		},
	)
)

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Collectors returns every package-level collector, for registration on a
// custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		InvocationsTotal,
		InvocationDuration,
		CircuitBreakerState,
		CircuitBreakerTransitions,
		CircuitBreakerRejections,
		RetryTotal,
		RateLimitRejections,
		CacheOperations,
		CacheEntries,
		DedupCalls,
		BatchFlushes,
		BatchSize,
		PoolInUse,
		PoolDegraded,
		AuthFailures,
		AdminActions,
		ConfigReloads,
		StoreSeries,
	}
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
