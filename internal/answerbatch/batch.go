// Package answerbatch implements the in-process answer batcher (C6): an
// in-memory buffer of submitted answers flushed to the durable store by
// size or by a periodic timer, with bounded retries and a parked-failure
// list for batches the durable store will not accept.
package answerbatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ctxquiz/quizcore/internal/alertsink"
	"github.com/ctxquiz/quizcore/internal/domain"
	"github.com/ctxquiz/quizcore/internal/metrics"
)

const (
	defaultBatchSize      = 100
	defaultFlushInterval  = time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultCollection     = "answers"
)

// AlertBatchParked fires when a batch exhausts its retries and is moved to
// the failed list, per spec.md §4.6 / §4.9.
const AlertBatchParked alertsink.Kind = "answerbatch_parked"

// inserter is the narrow durable-store surface the batcher needs: a raw,
// unordered bulk insert with no circuit-breaker gating (spec.md §4.6's
// retry/park policy is independent of C1/C4).
type inserter interface {
	InsertMany(ctx context.Context, collection string, docs []map[string]any) (int, error)
}

// Stats mirrors spec.md §4.6's "totals processed / successful batches /
// failed batches / retries / average batch size / last flush time".
type Stats struct {
	TotalProcessed    int64
	SuccessfulBatches int64
	FailedBatches     int64
	TotalRetries      int64
	AverageBatchSize  float64
	LastFlushTime     time.Time
}

// Config configures a Batcher. Zero values fall back to spec.md §4.6's
// defaults, except MaxRetries: zero is kept (no retries) and only a
// negative value selects the default.
type Config struct {
	Store          inserter
	Collection     string
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
	AlertSink      alertsink.Sink
}

// ConfigUpdate carries optional overrides for UpdateConfig; nil fields are
// left unchanged.
type ConfigUpdate struct {
	BatchSize      *int
	FlushInterval  *time.Duration
	MaxRetries     *int
	RetryBaseDelay *time.Duration
}

type runtimeConfig struct {
	batchSize      int
	flushInterval  time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
}

// Batcher is the answer batcher described in spec.md §4.6.
type Batcher struct {
	store      inserter
	collection string
	logger     *zap.Logger
	alertSink  alertsink.Sink

	cfgMu sync.RWMutex
	cfg   runtimeConfig

	bufMu  sync.Mutex
	buffer []domain.Answer

	failedMu sync.Mutex
	failed   []domain.Answer

	isFlushing atomic.Bool
	isRunning  atomic.Bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	rearmCh chan time.Duration

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Batcher. It does not start the flush timer; call Start
// or AddAnswer/AddAnswers, both of which auto-start per spec.md §4.6.
func New(cfg Config) *Batcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}
	rc := runtimeConfig{
		batchSize:      cfg.BatchSize,
		flushInterval:  cfg.FlushInterval,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
	}
	if rc.batchSize <= 0 {
		rc.batchSize = defaultBatchSize
	}
	if rc.flushInterval <= 0 {
		rc.flushInterval = defaultFlushInterval
	}
	if rc.maxRetries < 0 {
		rc.maxRetries = defaultMaxRetries
	}
	if rc.retryBaseDelay <= 0 {
		rc.retryBaseDelay = defaultRetryBaseDelay
	}
	return &Batcher{
		store:      cfg.Store,
		collection: collection,
		logger:     logger,
		alertSink:  cfg.AlertSink,
		cfg:        rc,
		rearmCh:    make(chan time.Duration, 1),
	}
}

func (b *Batcher) currentConfig() runtimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

// UpdateConfig applies the given overrides; updating FlushInterval
// re-arms the periodic timer while running, per spec.md §4.6.
func (b *Batcher) UpdateConfig(update ConfigUpdate) {
	b.cfgMu.Lock()
	if update.BatchSize != nil && *update.BatchSize > 0 {
		b.cfg.batchSize = *update.BatchSize
	}
	if update.MaxRetries != nil && *update.MaxRetries >= 0 {
		b.cfg.maxRetries = *update.MaxRetries
	}
	if update.RetryBaseDelay != nil && *update.RetryBaseDelay > 0 {
		b.cfg.retryBaseDelay = *update.RetryBaseDelay
	}
	rearm := false
	if update.FlushInterval != nil && *update.FlushInterval > 0 {
		b.cfg.flushInterval = *update.FlushInterval
		rearm = true
	}
	interval := b.cfg.flushInterval
	b.cfgMu.Unlock()

	if rearm && b.isRunning.Load() {
		select {
		case b.rearmCh <- interval:
		default:
		}
	}
}

// Start launches the periodic flush timer. Idempotent: a second call
// while already running is a no-op.
func (b *Batcher) Start(ctx context.Context) {
	if !b.isRunning.CompareAndSwap(false, true) {
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run(ctx)
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.currentConfig().flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case interval := <-b.rearmCh:
			ticker.Reset(interval)
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Stop cancels the periodic timer and synchronously flushes whatever
// remains in the buffer. Idempotent.
func (b *Batcher) Stop(ctx context.Context) {
	if !b.isRunning.CompareAndSwap(true, false) {
		return
	}
	close(b.stopCh)
	<-b.doneCh
	b.Flush(ctx)
}

// AddAnswer appends a single answer to the buffer, auto-starting the
// batcher if it is not already running, and triggers an immediate flush
// once the buffer reaches batchSize.
func (b *Batcher) AddAnswer(ctx context.Context, a domain.Answer) {
	b.AddAnswers(ctx, []domain.Answer{a})
}

// AddAnswers is the bulk form of AddAnswer.
func (b *Batcher) AddAnswers(ctx context.Context, as []domain.Answer) {
	if !b.isRunning.Load() {
		b.Start(ctx)
	}

	b.bufMu.Lock()
	b.buffer = append(b.buffer, as...)
	trigger := len(b.buffer) >= b.currentConfig().batchSize
	b.bufMu.Unlock()

	if trigger {
		go b.Flush(ctx)
	}
}

// Flush implements spec.md §4.6's flush contract: short-circuit if
// already flushing or the buffer is empty, otherwise swap the buffer into
// a local batch and attempt a retried bulk insert, parking the batch on
// exhaustion.
func (b *Batcher) Flush(ctx context.Context) {
	if !b.isFlushing.CompareAndSwap(false, true) {
		return
	}
	defer b.isFlushing.Store(false)

	b.bufMu.Lock()
	if len(b.buffer) == 0 {
		b.bufMu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.bufMu.Unlock()

	b.insertBatch(ctx, batch)
}

func (b *Batcher) insertBatch(ctx context.Context, batch []domain.Answer) {
	cfg := b.currentConfig()
	err := b.insertWithRetries(ctx, batch, cfg)

	b.statsMu.Lock()
	b.stats.LastFlushTime = time.Now()
	total := b.stats.SuccessfulBatches + b.stats.FailedBatches
	b.stats.AverageBatchSize = (b.stats.AverageBatchSize*float64(total) + float64(len(batch))) / float64(total+1)
	if err != nil {
		b.stats.FailedBatches++
	} else {
		b.stats.SuccessfulBatches++
		b.stats.TotalProcessed += int64(len(batch))
	}
	b.statsMu.Unlock()

	if err != nil {
		metrics.RecordBatchFlush("parked", len(batch))
		b.parkBatch(ctx, batch, err)
	} else {
		metrics.RecordBatchFlush("committed", len(batch))
	}
}

// insertWithRetries makes up to cfg.maxRetries+1 attempts at a bulk
// insert, sleeping base·2^attempt between attempts, per spec.md §4.6.
func (b *Batcher) insertWithRetries(ctx context.Context, batch []domain.Answer, cfg runtimeConfig) error {
	docs := make([]map[string]any, len(batch))
	for i, a := range batch {
		docs[i] = answerToDoc(a)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			b.statsMu.Lock()
			b.stats.TotalRetries++
			b.statsMu.Unlock()
			delay := cfg.retryBaseDelay * time.Duration(uint64(1)<<uint(attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if _, err := b.store.InsertMany(ctx, b.collection, docs); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (b *Batcher) parkBatch(ctx context.Context, batch []domain.Answer, cause error) {
	b.failedMu.Lock()
	b.failed = append(b.failed, batch...)
	parkedTotal := len(b.failed)
	b.failedMu.Unlock()
	metrics.SetParkedAnswers(parkedTotal)

	b.logger.Error("answer batch parked after exhausting retries",
		zap.Int("size", len(batch)), zap.Error(cause))
	b.safeEmit(ctx, alertsink.Alert{
		Component: "answerbatch",
		Kind:      AlertBatchParked,
		Message:   cause.Error(),
		At:        time.Now(),
	})
}

func (b *Batcher) safeEmit(ctx context.Context, alert alertsink.Alert) {
	if b.alertSink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("alert sink panicked", zap.Any("recovered", r))
		}
	}()
	b.alertSink.Emit(ctx, alert)
}

// RetryFailedAnswers drains the failed list through the same insert path,
// re-parking on failure.
func (b *Batcher) RetryFailedAnswers(ctx context.Context) {
	b.failedMu.Lock()
	batch := b.failed
	b.failed = nil
	b.failedMu.Unlock()
	metrics.SetParkedAnswers(0)

	if len(batch) == 0 {
		return
	}
	b.insertBatch(ctx, batch)
}

// ClearFailedAnswers discards the parked list without retrying.
func (b *Batcher) ClearFailedAnswers() {
	b.failedMu.Lock()
	defer b.failedMu.Unlock()
	b.failed = nil
	metrics.SetParkedAnswers(0)
}

// GetFailedAnswers returns a copy of the parked list.
func (b *Batcher) GetFailedAnswers() []domain.Answer {
	b.failedMu.Lock()
	defer b.failedMu.Unlock()
	out := make([]domain.Answer, len(b.failed))
	copy(out, b.failed)
	return out
}

// GetBufferSize reports how many answers are currently buffered.
func (b *Batcher) GetBufferSize() int {
	b.bufMu.Lock()
	defer b.bufMu.Unlock()
	return len(b.buffer)
}

// GetStats returns a copy of the running statistics.
func (b *Batcher) GetStats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// ResetStats zeroes the running statistics without touching the buffer
// or the failed list.
func (b *Batcher) ResetStats() {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats = Stats{}
}

func answerToDoc(a domain.Answer) map[string]any {
	raw, _ := json.Marshal(a)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	return doc
}
