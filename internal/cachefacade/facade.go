// Package cachefacade provides a typed cache surface (session state,
// participant sessions, leaderboards, join codes, rate limits, answer
// buffers) over a Redis-shaped client, falling transparently back to an
// in-process map when the live cache is unreachable.
package cachefacade

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctxquiz/quizcore/internal/alertsink"
	"github.com/ctxquiz/quizcore/internal/errsan"
	"github.com/ctxquiz/quizcore/internal/metrics"
)

const (
	sessionTTL      = 6 * time.Hour
	participantTTL  = 5 * time.Minute
	leaderboardTTL  = 6 * time.Hour
	answerBufferTTL = 1 * time.Hour
	joinCodeTTL     = 6 * time.Hour
	rateJoinWindow  = 60 * time.Second
	rateAnswerTTL   = 5 * time.Minute
	rateJoinMax     = 5

	sweepInterval = 60 * time.Second
	probeInterval = 30 * time.Second

	degradedWarnWindow = 10 * time.Second
)

// Alert kinds the cache facade emits, per spec.md §4.3.
const (
	AlertEnterFallback   alertsink.Kind = "cache_enter_fallback"
	AlertExitFallback    alertsink.Kind = "cache_exit_fallback"
	AlertDegradedWarning alertsink.Kind = "cache_degraded_operation"
)

// nopSink discards alerts; used when no sink is configured.
type nopSink struct{}

func (nopSink) Emit(context.Context, alertsink.Alert) {}

// Config configures a Facade.
type Config struct {
	Client    client
	Logger    *zap.Logger
	AlertSink alertsink.Sink
}

// Facade is the cache facade described by the storage-core spec: a typed
// operation surface with transparent in-memory fallback.
type Facade struct {
	client    client
	fallback  *memoryFallback
	logger    *zap.Logger
	alertSink alertsink.Sink

	mu                sync.Mutex
	inFallback        bool
	fallbackEnteredAt time.Time
	lastProbeAt       time.Time

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewFacade constructs a Facade. Client is typically NewRedisClient(rdb).
func NewFacade(cfg Config) *Facade {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := cfg.AlertSink
	if sink == nil {
		sink = nopSink{}
	}
	return &Facade{
		client:    cfg.Client,
		fallback:  newMemoryFallback(),
		logger:    logger,
		alertSink: sink,
		lastWarn:  make(map[string]time.Time),
	}
}

// StartSweeper launches the 60s background eviction sweep described in
// spec.md §4.3. It runs until StopSweeper is called or ctx is cancelled.
func (f *Facade) StartSweeper(ctx context.Context) {
	if f.sweepStop != nil {
		return
	}
	f.sweepStop = make(chan struct{})
	f.sweepDone = make(chan struct{})
	ticker := time.NewTicker(sweepInterval)

	go func() {
		defer close(f.sweepDone)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.sweepStop:
				return
			case <-ticker.C:
				removed := f.fallback.sweep(time.Now())
				if removed > 0 {
					f.logger.Debug("cache fallback sweep evicted expired entries", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper and waits for it to exit.
// Part of the ordered shutdown sequence in spec.md §9 ("C3.stopSweeper").
func (f *Facade) StopSweeper() {
	if f.sweepStop == nil {
		return
	}
	close(f.sweepStop)
	<-f.sweepDone
	f.sweepStop = nil
	f.sweepDone = nil
}

// InFallbackMode reports whether the facade is currently serving from the
// in-memory map.
func (f *Facade) InFallbackMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFallback
}

// isUnavailable classifies an error per spec.md §4.2 step 2: network,
// connection, timeout, or not-ready conditions trigger fallback; a plain
// cache-miss never does.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errKeyNotFound) {
		return false
	}
	switch errsan.Classify(err.Error()) {
	case errsan.CategoryNetwork, errsan.CategoryTimeout, errsan.CategoryServiceUnavailable, errsan.CategoryDatabase:
		return true
	default:
		return false
	}
}

// enterFallback transitions into fallback mode on first detection of an
// unavailability error and emits the required alert (spec.md §4.3 step 2).
// A second failure while already degraded keeps the original entry
// timestamp.
func (f *Facade) enterFallback(ctx context.Context, cause error) {
	f.mu.Lock()
	alreadyDown := f.inFallback
	if !alreadyDown {
		f.inFallback = true
		f.fallbackEnteredAt = time.Now()
	}
	enteredAt := f.fallbackEnteredAt
	f.mu.Unlock()

	if alreadyDown {
		return
	}

	metrics.RecordCacheFallbackEnter()
	f.logger.Warn("cache facade entering fallback mode", zap.Error(cause))
	f.safeEmit(ctx, alertsink.Alert{
		Component: "cachefacade",
		Kind:      AlertEnterFallback,
		Message:   errsan.Redact(cause.Error()),
		At:        enteredAt,
		Elapsed:   0,
	})
}

// maybeProbe attempts a rate-limited health check (spec.md §4.3: "Health
// re-probes are rate-limited to one per 30s") and exits fallback mode on
// success, emitting a recovery alert with the total outage duration.
func (f *Facade) maybeProbe(ctx context.Context) {
	f.mu.Lock()
	if !f.inFallback {
		f.mu.Unlock()
		return
	}
	if time.Since(f.lastProbeAt) < probeInterval {
		f.mu.Unlock()
		return
	}
	f.lastProbeAt = time.Now()
	f.mu.Unlock()

	if err := f.client.Ping(ctx); err != nil {
		return
	}

	f.mu.Lock()
	if !f.inFallback {
		f.mu.Unlock()
		return
	}
	elapsed := time.Since(f.fallbackEnteredAt)
	f.inFallback = false
	f.mu.Unlock()

	metrics.RecordCacheFallbackExit()
	f.logger.Info("cache facade exiting fallback mode", zap.Duration("elapsed", elapsed))
	f.safeEmit(ctx, alertsink.Alert{
		Component: "cachefacade",
		Kind:      AlertExitFallback,
		Message:   "cache connectivity restored",
		At:        time.Now(),
		Elapsed:   elapsed,
	})
}

// warnDegraded rate-limits the "degraded performance" warning per
// operation name, per spec.md §4.3 step 3.
func (f *Facade) warnDegraded(ctx context.Context, op string) {
	f.warnMu.Lock()
	last, ok := f.lastWarn[op]
	now := time.Now()
	if ok && now.Sub(last) < degradedWarnWindow {
		f.warnMu.Unlock()
		return
	}
	f.lastWarn[op] = now
	f.warnMu.Unlock()

	f.logger.Warn("cache operation served from in-memory fallback", zap.String("operation", op))
	f.safeEmit(ctx, alertsink.Alert{
		Component: "cachefacade",
		Kind:      AlertDegradedWarning,
		Operation: op,
		Message:   "operation served from degraded in-memory cache",
		At:        now,
	})
}

// safeEmit isolates a panicking alert sink from the caller, per spec.md
// §4.3 ("exceptions raised inside a callback must not disrupt ... the
// caller") and §9's pluggable-alerts design note.
func (f *Facade) safeEmit(ctx context.Context, alert alertsink.Alert) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("alert sink panicked", zap.Any("recovered", r))
		}
	}()
	f.alertSink.Emit(ctx, alert)
}

// enterIfUnavailable is the shared tail of every typed operation: given the
// error returned by a live-cache call, decide whether to flip into
// fallback mode. Returns true if the caller should now serve from memory.
func (f *Facade) enterIfUnavailable(ctx context.Context, op string, err error) bool {
	if err == nil {
		return false
	}
	if !isUnavailable(err) {
		return false
	}
	f.enterFallback(ctx, err)
	f.warnDegraded(ctx, op)
	return true
}

// beginOp is called at the top of every typed operation. If already in
// fallback mode it attempts a rate-limited probe; if still down it tells
// the caller to go straight to memory without touching the live client.
func (f *Facade) beginOp(ctx context.Context, op string) (serveFromMemory bool) {
	f.maybeProbe(ctx)
	if f.InFallbackMode() {
		f.warnDegraded(ctx, op)
		return true
	}
	return false
}
