// Package metrics defines Prometheus metrics for the storage and
// resilience core.
//
// Metrics are registered against a package-level registry rather than a
// Kubernetes controller-runtime registry: this process is a standalone
// service, not an operator, so there is no controller-runtime metrics
// server to piggy-back on. Callers expose Registry through their own
// HTTP handler (promhttp.HandlerFor(metrics.Registry, ...)).
//
// Metric naming follows Prometheus conventions:
//   - quizcore_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms/gauges
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry all metrics in this package are registered
// against. It is package-level (rather than prometheus.DefaultRegisterer)
// so a cmd/ entrypoint can serve it without pulling in global state shared
// with any other Prometheus client in the process.
var Registry = prometheus.NewRegistry()

var (
	// BreakerTransitionsTotal counts circuit breaker state transitions by
	// breaker name, from-state and to-state (internal/breaker's
	// Listener hook, spec.md §4.1).
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_breaker_transitions_total",
			Help: "Total circuit breaker state transitions by breaker, from-state and to-state.",
		},
		[]string{"breaker", "from", "to"},
	)

	// BreakerState is the current state of a named breaker, as an
	// enumerated gauge (0=closed, 1=half_open, 2=open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quizcore_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
		},
		[]string{"breaker"},
	)

	// StoreFallbackWritesTotal counts writes absorbed into the pending
	// write queue because the durable store breaker was open (spec.md
	// §4.4's "queue writes while degraded").
	StoreFallbackWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_store_fallback_writes_total",
			Help: "Total writes queued to the pending write log because the durable store was unavailable.",
		},
		[]string{"op"},
	)

	// CacheFallbackTransitionsTotal counts the cache facade entering or
	// leaving in-memory fallback mode (spec.md §4.3).
	CacheFallbackTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_cache_fallback_transitions_total",
			Help: "Total cache facade transitions into or out of in-memory fallback mode.",
		},
		[]string{"direction"},
	)

	// CacheFallbackActive reports whether the cache facade is currently
	// serving from its in-memory fallback (1) or the live cache (0).
	CacheFallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quizcore_cache_fallback_active",
			Help: "1 if the cache facade is currently serving from in-memory fallback, 0 otherwise.",
		},
	)

	// BatchFlushesTotal counts answer-batch flush attempts by outcome
	// ("committed" or "parked"), per spec.md §4.6.
	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_batch_flushes_total",
			Help: "Total answer batch flush attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// BatchSizeObserved is a histogram of the number of answers in each
	// flushed batch.
	BatchSizeObserved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quizcore_batch_size",
			Help:    "Number of answers in each flushed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// ParkedAnswersTotal is the current number of answers sitting in the
	// parked-failure list awaiting manual retry.
	ParkedAnswersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quizcore_batch_parked_answers",
			Help: "Current number of answers parked after exhausting batch insert retries.",
		},
	)

	// RecoveryTicksTotal counts C7 recovery-worker ticks by outcome
	// ("clean", "partial", "failed"), per spec.md §4.5.
	RecoveryTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_recovery_ticks_total",
			Help: "Total pending-write recovery worker ticks by outcome.",
		},
		[]string{"outcome"},
	)

	// RecoveryWritesAppliedTotal counts individual pending writes applied
	// (or failed) by the recovery worker.
	RecoveryWritesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_recovery_writes_applied_total",
			Help: "Total pending writes applied by the recovery worker, by result.",
		},
		[]string{"result"},
	)

	// SessionRecoveryOutcomesTotal counts C8 session recovery attempts by
	// outcome ("success" or the Reason string of a failure), per spec.md
	// §4.8 and §7's failure-reason enumeration.
	SessionRecoveryOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizcore_session_recovery_outcomes_total",
			Help: "Total session recovery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// SessionRecoveryDurationSeconds is a histogram of full Recover()
	// call latency.
	SessionRecoveryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quizcore_session_recovery_duration_seconds",
			Help:    "Duration of session recovery attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	Registry.MustRegister(
		BreakerTransitionsTotal,
		BreakerState,
		StoreFallbackWritesTotal,
		CacheFallbackTransitionsTotal,
		CacheFallbackActive,
		BatchFlushesTotal,
		BatchSizeObserved,
		ParkedAnswersTotal,
		RecoveryTicksTotal,
		RecoveryWritesAppliedTotal,
		SessionRecoveryOutcomesTotal,
		SessionRecoveryDurationSeconds,
	)
}

// breakerStateValue maps a breaker state name to the enumerated gauge
// value used by BreakerState.
func breakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordBreakerTransition records a circuit breaker state transition. Wire
// this as (or from) a breaker.Listener passed to breaker.New.
func RecordBreakerTransition(name, from, to string) {
	BreakerTransitionsTotal.WithLabelValues(name, from, to).Inc()
	BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

// RecordStoreFallbackWrite records a write that was queued to the pending
// write log because the durable store breaker was open.
func RecordStoreFallbackWrite(op string) {
	StoreFallbackWritesTotal.WithLabelValues(op).Inc()
}

// RecordCacheFallbackEnter records the cache facade entering in-memory
// fallback mode.
func RecordCacheFallbackEnter() {
	CacheFallbackTransitionsTotal.WithLabelValues("enter").Inc()
	CacheFallbackActive.Set(1)
}

// RecordCacheFallbackExit records the cache facade returning to the live
// cache after a successful re-probe.
func RecordCacheFallbackExit() {
	CacheFallbackTransitionsTotal.WithLabelValues("exit").Inc()
	CacheFallbackActive.Set(0)
}

// RecordBatchFlush records the outcome of a single answer-batch flush.
func RecordBatchFlush(outcome string, size int) {
	BatchFlushesTotal.WithLabelValues(outcome).Inc()
	BatchSizeObserved.Observe(float64(size))
}

// SetParkedAnswers reports the current size of the parked-failure list.
func SetParkedAnswers(n int) {
	ParkedAnswersTotal.Set(float64(n))
}

// RecordRecoveryTick records the outcome of a single C7 recovery-worker
// tick and the writes it applied or failed to apply.
func RecordRecoveryTick(outcome string, processed, failed int) {
	RecoveryTicksTotal.WithLabelValues(outcome).Inc()
	if processed > 0 {
		RecoveryWritesAppliedTotal.WithLabelValues("applied").Add(float64(processed))
	}
	if failed > 0 {
		RecoveryWritesAppliedTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordSessionRecovery records the outcome and latency of a C8 session
// recovery attempt. outcome is "success" or a Reason string.
func RecordSessionRecovery(outcome string, duration time.Duration) {
	SessionRecoveryOutcomesTotal.WithLabelValues(outcome).Inc()
	SessionRecoveryDurationSeconds.Observe(duration.Seconds())
}
