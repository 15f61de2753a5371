// Package recovery implements the recovery worker (C7): a background
// ticker that drains the pending-write queue (C5) back into the durable
// store once it becomes reachable again.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ctxquiz/quizcore/internal/alertsink"
	"github.com/ctxquiz/quizcore/internal/domain"
	"github.com/ctxquiz/quizcore/internal/errsan"
	"github.com/ctxquiz/quizcore/internal/metrics"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultBatchSize     = 10
	applyMaxRetries      = 3
	applyRetryUnit       = time.Second
)

// Alert kinds the recovery worker emits, per spec.md §4.7: "start-of-
// recovery, successful completion, completion with errors, and hard
// failure".
const (
	AlertRecoveryStarted       alertsink.Kind = "recovery_started"
	AlertRecoveryCompleted     alertsink.Kind = "recovery_completed"
	AlertRecoveryCompletedWith alertsink.Kind = "recovery_completed_with_errors"
	AlertRecoveryHardFailure   alertsink.Kind = "recovery_hard_failure"
)

// Status is the worker's externally-visible lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusRecovering
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusRecovering:
		return "recovering"
	default:
		return "stopped"
	}
}

// store is the narrow durable-store surface the worker needs: a health
// probe and the three raw, unbreaker-gated write primitives used to
// replay pending writes.
type store interface {
	Probe(ctx context.Context) bool
	RawInsertOne(ctx context.Context, collection string, doc map[string]any) (string, error)
	RawUpdateOne(ctx context.Context, collection string, filter, update map[string]any, upsert bool) (int64, int64, error)
	RawDeleteOne(ctx context.Context, collection string, filter map[string]any) (int64, error)
}

// queue is the narrow pending-write queue surface the worker needs.
type queue interface {
	IsUnavailable(ctx context.Context) (bool, error)
	ClearUnavailable(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	List(ctx context.Context) ([]domain.PendingWrite, error)
	RemoveOldest(ctx context.Context, n int) error
	Clear(ctx context.Context) error
	DeleteSnapshot(ctx context.Context, collection, id string) error
}

// Stats mirrors spec.md §4.7: "total ticks, last tick time, total
// recoveries started, total processed, total failed, last result summary".
type Stats struct {
	TotalTicks             int64
	LastTickTime           time.Time
	TotalRecoveriesStarted int64
	TotalProcessed         int64
	TotalFailed            int64
	LastResultSummary      string
}

// Config configures a Worker.
type Config struct {
	Store         store
	Queue         queue
	CheckInterval time.Duration
	BatchSize     int
	Logger        *zap.Logger
	AlertSink     alertsink.Sink
}

// Worker is the recovery worker described in spec.md §4.7.
type Worker struct {
	store     store
	queue     queue
	logger    *zap.Logger
	alertSink alertsink.Sink

	cfgMu         sync.RWMutex
	checkInterval time.Duration
	batchSize     int

	isRunning  atomic.Bool
	recovering atomic.Bool
	statusVal  atomic.Int32

	stopCh    chan struct{}
	doneCh    chan struct{}
	triggerCh chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Worker. It does not start the periodic check; call
// Start.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		logger:        logger,
		alertSink:     cfg.AlertSink,
		checkInterval: interval,
		batchSize:     batchSize,
		triggerCh:     make(chan struct{}, 1),
	}
}

func (w *Worker) currentConfig() (time.Duration, int) {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.checkInterval, w.batchSize
}

// Configure updates the check interval and/or batch size. Zero values
// leave the current setting unchanged.
func (w *Worker) Configure(checkInterval time.Duration, batchSize int) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	if checkInterval > 0 {
		w.checkInterval = checkInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
}

// Start runs one immediate check, then schedules the periodic check.
// Idempotent.
func (w *Worker) Start(ctx context.Context) {
	if !w.isRunning.CompareAndSwap(false, true) {
		return
	}
	w.statusVal.Store(int32(StatusRunning))
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	w.tick(ctx)

	interval, _ := w.currentConfig()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.triggerCh:
			w.tick(ctx)
		case <-ticker.C:
			newInterval, _ := w.currentConfig()
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
			w.tick(ctx)
		}
	}
}

// Stop halts the periodic check and waits for any in-flight tick to
// finish. Idempotent.
func (w *Worker) Stop() {
	if !w.isRunning.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.statusVal.Store(int32(StatusStopped))
}

// TriggerNow requests an out-of-band tick. A no-op if one is already
// pending.
func (w *Worker) TriggerNow() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// StatusNow reports the worker's current lifecycle state.
func (w *Worker) StatusNow() Status {
	return Status(w.statusVal.Load())
}

// GetStats returns a copy of the running statistics.
func (w *Worker) GetStats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// ResetStats zeroes the running statistics.
func (w *Worker) ResetStats() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats = Stats{}
}

// tick implements spec.md §4.7's 9-step per-tick algorithm.
func (w *Worker) tick(ctx context.Context) {
	w.statsMu.Lock()
	w.stats.TotalTicks++
	w.stats.LastTickTime = time.Now()
	w.statsMu.Unlock()

	// Step 1 & 2.
	unavailable, err := w.queue.IsUnavailable(ctx)
	if err != nil || !unavailable {
		return
	}

	// Step 3.
	pending, err := w.queue.Count(ctx)
	if err != nil {
		return
	}
	if pending == 0 {
		_ = w.queue.ClearUnavailable(ctx)
		return
	}

	// Step 4.
	if !w.store.Probe(ctx) {
		return
	}

	// Step 5: non-reentrant recovery lock.
	if !w.recovering.CompareAndSwap(false, true) {
		return
	}
	defer w.recovering.Store(false)

	w.statusVal.Store(int32(StatusRecovering))
	defer w.statusVal.Store(int32(StatusRunning))

	w.statsMu.Lock()
	w.stats.TotalRecoveriesStarted++
	w.statsMu.Unlock()
	w.safeEmit(ctx, alertsink.Alert{Component: "recovery", Kind: AlertRecoveryStarted, At: time.Now()})

	w.runRecovery(ctx)
}

func (w *Worker) runRecovery(ctx context.Context) {
	newestFirst, err := w.queue.List(ctx)
	if err != nil {
		w.finishRecovery(ctx, 0, 0, "failed to list pending writes: "+err.Error(), true)
		return
	}

	oldestFirst := make([]domain.PendingWrite, len(newestFirst))
	for i, pw := range newestFirst {
		oldestFirst[len(newestFirst)-1-i] = pw
	}

	_, batchSize := w.currentConfig()
	totalProcessed := 0

	// Entries are processed oldest-first, and removeOldest always trims
	// the physically-oldest entries from the underlying list — so within
	// a chunk, a failure must stop processing right there: everything
	// applied so far is a clean prefix safe to remove, and the failed
	// entry plus everything after it stays queued for the next tick.
	for start := 0; start < len(oldestFirst); start += batchSize {
		end := start + batchSize
		if end > len(oldestFirst) {
			end = len(oldestFirst)
		}
		chunk := oldestFirst[start:end]

		applied := 0
		var chunkErr error
		for _, pw := range chunk {
			if err := w.applyWithRetries(ctx, pw); err != nil {
				chunkErr = err
				break
			}
			_ = w.queue.DeleteSnapshot(ctx, pw.Collection, pw.DocumentID)
			applied++
		}

		// Step 7.
		if applied > 0 {
			_ = w.queue.RemoveOldest(ctx, applied)
		}
		totalProcessed += applied

		// Step 8.
		if chunkErr != nil {
			hardFailure := !w.store.Probe(ctx)
			w.finishRecovery(ctx, totalProcessed, 1, "aborted: "+chunkErr.Error(), hardFailure)
			return
		}
	}

	// Step 9.
	_ = w.queue.ClearUnavailable(ctx)
	_ = w.queue.Clear(ctx)
	w.finishRecovery(ctx, totalProcessed, 0, "full drain", false)
}

// applyWithRetries replays a single pending write, retrying only
// transient failures up to 3 times with a 1s × attempt delay, per spec.md
// §4.7 step 6.
func (w *Worker) applyWithRetries(ctx context.Context, pw domain.PendingWrite) error {
	var lastErr error
	for attempt := 0; attempt <= applyMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(applyRetryUnit * time.Duration(attempt)):
			}
		}
		lastErr = w.applyOnce(ctx, pw)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (w *Worker) applyOnce(ctx context.Context, pw domain.PendingWrite) error {
	switch pw.Op {
	case domain.OpInsert:
		doc := make(map[string]any, len(pw.Document)+1)
		for k, v := range pw.Document {
			doc[k] = v
		}
		doc["documentId"] = pw.DocumentID
		_, err := w.store.RawInsertOne(ctx, pw.Collection, doc)
		return ignoreDuplicate(err)
	case domain.OpUpdate:
		_, _, err := w.store.RawUpdateOne(ctx, pw.Collection, map[string]any{"documentId": pw.DocumentID}, pw.Update, true)
		return err
	case domain.OpDelete:
		filter := pw.Filter
		if filter == nil {
			filter = map[string]any{"documentId": pw.DocumentID}
		}
		_, err := w.store.RawDeleteOne(ctx, pw.Collection, filter)
		return ignoreNoMatch(err)
	default:
		return nil
	}
}

// settleReplay implements spec.md §4.7 step 7: a replay landing on an
// already-applied write may surface as a duplicate-key error (Insert) or
// a no-match (Delete); neither is a transient (network-class) failure, so
// both are treated as successful resolution for recovery purposes. Only
// network/timeout/service-unavailable errors and refused connections are
// left to propagate and be retried.
func settleReplay(err error) error {
	if err == nil || !isTransient(err) {
		return nil
	}
	return err
}

func ignoreDuplicate(err error) error { return settleReplay(err) }
func ignoreNoMatch(err error) error   { return settleReplay(err) }

func isTransient(err error) bool {
	msg := err.Error()
	switch cat := errsan.Classify(msg); cat {
	case errsan.CategoryNetwork, errsan.CategoryTimeout, errsan.CategoryServiceUnavailable:
		return true
	case errsan.CategoryDatabase:
		// "connection refused" classifies as Database but is network-class.
		return errsan.RefineCode(cat, msg) == "DB_CONNECTION_FAILED"
	default:
		return false
	}
}

func (w *Worker) finishRecovery(ctx context.Context, processed, failed int, summary string, hardFailure bool) {
	w.statsMu.Lock()
	w.stats.TotalProcessed += int64(processed)
	w.stats.TotalFailed += int64(failed)
	w.stats.LastResultSummary = summary
	w.statsMu.Unlock()

	w.logger.Info("recovery tick finished",
		zap.Int("processed", processed), zap.Int("failed", failed), zap.String("summary", summary))

	kind := AlertRecoveryCompleted
	outcome := "clean"
	switch {
	case hardFailure:
		kind = AlertRecoveryHardFailure
		outcome = "failed"
	case failed > 0:
		kind = AlertRecoveryCompletedWith
		outcome = "partial"
	}
	metrics.RecordRecoveryTick(outcome, processed, failed)
	w.safeEmit(ctx, alertsink.Alert{Component: "recovery", Kind: kind, Message: summary, At: time.Now()})
}

func (w *Worker) safeEmit(ctx context.Context, alert alertsink.Alert) {
	if w.alertSink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("alert sink panicked", zap.Any("recovered", r))
		}
	}()
	w.alertSink.Emit(ctx, alert)
}
