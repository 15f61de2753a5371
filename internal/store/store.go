// Package store implements the durable-store facade (C4): circuit-breaker
// wrapped CRUD against the durable document store, falling back to the
// pending-write queue (C5) and its per-document snapshots while the store
// is unreachable.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ctxquiz/quizcore/internal/alertsink"
	"github.com/ctxquiz/quizcore/internal/breaker"
	"github.com/ctxquiz/quizcore/internal/domain"
	"github.com/ctxquiz/quizcore/internal/errsan"
	"github.com/ctxquiz/quizcore/internal/metrics"
	"github.com/ctxquiz/quizcore/internal/pendingqueue"
)

// idFields is the fallback id-extraction order from spec.md §4.4.
var idFields = []string{"_id", "documentId", "id", "sessionId", "participantId", "quizId"}

// ErrMissingID is returned by updateOne/deleteOne fallback paths when no
// id can be extracted from the filter.
var ErrMissingID = errors.New("store: filter has no extractable id")

// ErrNotFound is returned by FindOne when the durable store has no
// matching document. While the breaker is open, a missing fallback
// snapshot (or a filter with no extractable id) yields a nil document and
// a nil error instead. It aliases the driver's "no documents" sentinel so callers never need
// to import the driver to recognise it.
var ErrNotFound = errNoDocuments

// InsertResult is the outcome of InsertOne, live or fallback.
type InsertResult struct {
	InsertedID   string
	UsedFallback bool
}

// UpdateResult is the outcome of UpdateOne, live or fallback.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UsedFallback  bool
}

// DeleteResult is the outcome of DeleteOne, live or fallback.
type DeleteResult struct {
	DeletedCount int64
	UsedFallback bool
}

// Config configures a Store.
type Config struct {
	Client    docClient
	Queue     *pendingqueue.Queue
	Logger    *zap.Logger
	AlertSink alertsink.Sink
}

// Store is the durable store facade (C4).
type Store struct {
	client    docClient
	queue     *pendingqueue.Queue
	breaker   *breaker.Breaker
	logger    *zap.Logger
	alertSink alertsink.Sink
}

// Alert kinds the durable store facade emits.
const (
	AlertStoreUnavailable alertsink.Kind = "store_unavailable"
	AlertStoreRecovered   alertsink.Kind = "store_recovered"
)

// NewStore constructs a Store wired with the database circuit-breaker
// preset (spec.md §4.1) and C5's pending-write queue.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := cfg.AlertSink

	s := &Store{
		client:    cfg.Client,
		queue:     cfg.Queue,
		logger:    logger,
		alertSink: sink,
	}
	s.breaker = breaker.NewDatabaseBreaker("durable-store", logger, s.onTransition)
	return s
}

// Breaker exposes the raw breaker for status inspection and manual reset,
// per spec.md §4.4 ("the facade exposes the raw breaker").
func (s *Store) Breaker() *breaker.Breaker { return s.breaker }

// onTransition notifies C5 of store availability changes, per spec.md
// §4.4: mark unavailable on first Closed→Open, clear on Open→HalfOpen or
// →Closed.
func (s *Store) onTransition(from, to breaker.State) {
	ctx := context.Background()
	metrics.RecordBreakerTransition("durable-store", from.String(), to.String())
	switch {
	case from == breaker.Closed && to == breaker.Open:
		if err := s.queue.MarkUnavailable(ctx); err != nil {
			s.logger.Error("failed to mark durable store unavailable", zap.Error(err))
		}
		s.emit(ctx, alertsink.Alert{Component: "store", Kind: AlertStoreUnavailable, At: time.Now(), Message: "durable store circuit opened"})
	case from == breaker.Open && (to == breaker.HalfOpen || to == breaker.Closed):
		if err := s.queue.ClearUnavailable(ctx); err != nil {
			s.logger.Error("failed to clear durable store unavailable marker", zap.Error(err))
		}
		if to == breaker.Closed {
			s.emit(ctx, alertsink.Alert{Component: "store", Kind: AlertStoreRecovered, At: time.Now(), Message: "durable store circuit closed"})
		}
	}
}

func (s *Store) emit(ctx context.Context, alert alertsink.Alert) {
	if s.alertSink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("alert sink panicked", zap.Any("recovered", r))
		}
	}()
	s.alertSink.Emit(ctx, alert)
}

// extractID implements spec.md §4.4's id-extraction order for fallback
// operations.
func extractID(filter map[string]any) (string, bool) {
	for _, field := range idFields {
		if v, ok := filter[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

func synthesizeID() string {
	return fmt.Sprintf("fallback_%d_%04d", time.Now().UnixNano(), rand.Intn(10000))
}

// FindOne fetches a single document, falling back to the latest pending
// snapshot when the breaker is open.
func (s *Store) FindOne(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
	var doc map[string]any
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		d, err := s.client.Collection(collection).FindOne(ctx, filter)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err == nil {
		return doc, nil
	}
	if !breaker.IsCircuitOpen(err) {
		return nil, err
	}

	id, ok := extractID(filter)
	if !ok {
		return nil, nil
	}
	snap, found, snapErr := s.queue.GetSnapshot(ctx, collection, id)
	if snapErr != nil || !found {
		return nil, snapErr
	}
	return snap, nil
}

// Find performs a bulk read; per spec.md §4.4 there is no bulk fallback —
// an open breaker yields an empty list, not an error.
func (s *Store) Find(ctx context.Context, collection string, filter map[string]any, opts FindOptions) ([]map[string]any, error) {
	var docs []map[string]any
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		d, err := s.client.Collection(collection).Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		docs = d
		return nil
	})
	if err == nil {
		return docs, nil
	}
	if breaker.IsCircuitOpen(err) {
		return nil, nil
	}
	return nil, err
}

// InsertOne inserts a document, falling back to a snapshot + pending-write
// envelope when the breaker is open.
func (s *Store) InsertOne(ctx context.Context, collection string, doc map[string]any) (InsertResult, error) {
	var insertedID string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		id, err := s.client.Collection(collection).InsertOne(ctx, doc)
		if err != nil {
			return err
		}
		insertedID = id
		return nil
	})
	if err == nil {
		return InsertResult{InsertedID: insertedID}, nil
	}
	if !breaker.IsCircuitOpen(err) {
		return InsertResult{}, err
	}

	id, ok := extractID(doc)
	if !ok {
		id = synthesizeID()
	}
	snapshot := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		snapshot[k] = v
	}
	snapshot["documentId"] = id
	if err := s.queue.PutSnapshot(ctx, collection, id, snapshot); err != nil {
		return InsertResult{}, fmt.Errorf("store: snapshot fallback insert: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, pendingWrite(domain.OpInsert, collection, id, snapshot, nil, nil)); err != nil {
		return InsertResult{}, fmt.Errorf("store: enqueue fallback insert: %w", err)
	}
	metrics.RecordStoreFallbackWrite("InsertOne")
	return InsertResult{InsertedID: id, UsedFallback: true}, nil
}

// UpdateOne updates a document, falling back to an enqueued pending update
// when the breaker is open. The filter must carry an extractable id.
func (s *Store) UpdateOne(ctx context.Context, collection string, filter, update map[string]any, upsert bool) (UpdateResult, error) {
	var res UpdateResult
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		matched, modified, err := s.client.Collection(collection).UpdateOne(ctx, filter, update, upsert)
		if err != nil {
			return err
		}
		res = UpdateResult{MatchedCount: matched, ModifiedCount: modified}
		return nil
	})
	if err == nil {
		return res, nil
	}
	if !breaker.IsCircuitOpen(err) {
		return UpdateResult{}, err
	}

	id, ok := extractID(filter)
	if !ok {
		return UpdateResult{}, ErrMissingID
	}
	if err := s.queue.PutSnapshot(ctx, collection, id, mergeForSnapshot(filter, update)); err != nil {
		return UpdateResult{}, fmt.Errorf("store: snapshot fallback update: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, pendingWrite(domain.OpUpdate, collection, id, nil, filter, update)); err != nil {
		return UpdateResult{}, fmt.Errorf("store: enqueue fallback update: %w", err)
	}
	metrics.RecordStoreFallbackWrite("UpdateOne")
	return UpdateResult{UsedFallback: true}, nil
}

// DeleteOne deletes a document, falling back to an enqueued pending delete
// when the breaker is open. The filter must carry an extractable id.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter map[string]any) (DeleteResult, error) {
	var res DeleteResult
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		n, err := s.client.Collection(collection).DeleteOne(ctx, filter)
		if err != nil {
			return err
		}
		res = DeleteResult{DeletedCount: n}
		return nil
	})
	if err == nil {
		return res, nil
	}
	if !breaker.IsCircuitOpen(err) {
		return DeleteResult{}, err
	}

	id, ok := extractID(filter)
	if !ok {
		return DeleteResult{}, ErrMissingID
	}
	if _, err := s.queue.Enqueue(ctx, pendingWrite(domain.OpDelete, collection, id, nil, filter, nil)); err != nil {
		return DeleteResult{}, fmt.Errorf("store: enqueue fallback delete: %w", err)
	}
	metrics.RecordStoreFallbackWrite("DeleteOne")
	return DeleteResult{UsedFallback: true}, nil
}

// Probe reports whether the durable store currently answers pings,
// independent of breaker state — the "light is healthy + status().connected
// check" the recovery worker (C7) runs per tick, per spec.md §4.7 step 4.
func (s *Store) Probe(ctx context.Context) bool {
	return s.client.Ping(ctx) == nil
}

// RawInsertOne, RawUpdateOne and RawDeleteOne apply a single document
// operation directly against the durable store with no breaker gating.
// The recovery worker (C7) uses these to replay pending writes under its
// own retry policy (spec.md §4.7 step 6), separate from C1's breaker.
func (s *Store) RawInsertOne(ctx context.Context, collection string, doc map[string]any) (string, error) {
	return s.client.Collection(collection).InsertOne(ctx, doc)
}

func (s *Store) RawUpdateOne(ctx context.Context, collection string, filter, update map[string]any, upsert bool) (int64, int64, error) {
	return s.client.Collection(collection).UpdateOne(ctx, filter, update, upsert)
}

func (s *Store) RawDeleteOne(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	return s.client.Collection(collection).DeleteOne(ctx, filter)
}

// InsertMany is a raw, unordered bulk insert with no breaker gating: the
// answer batcher (C6) owns its own retry/park policy independent of C1,
// per spec.md §4.6, so it talks to the durable store directly rather than
// through the breaker-wrapped single-document operations above.
func (s *Store) InsertMany(ctx context.Context, collection string, docs []map[string]any) (int, error) {
	return s.client.Collection(collection).InsertMany(ctx, docs, false)
}

// CountDocuments counts matching documents; an open breaker yields 0, per
// spec.md §4.4.
func (s *Store) CountDocuments(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	var count int64
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		c, err := s.client.Collection(collection).CountDocuments(ctx, filter)
		if err != nil {
			return err
		}
		count = c
		return nil
	})
	if err == nil {
		return count, nil
	}
	if breaker.IsCircuitOpen(err) {
		return 0, nil
	}
	return 0, err
}

func pendingWrite(op domain.WriteOp, collection, documentID string, document, filter, update map[string]any) domain.PendingWrite {
	return domain.PendingWrite{
		Op:         op,
		Collection: collection,
		DocumentID: documentID,
		Document:   document,
		Filter:     filter,
		Update:     update,
	}
}

func mergeForSnapshot(filter, update map[string]any) map[string]any {
	out := make(map[string]any, len(filter)+len(update))
	for k, v := range filter {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// RetryWithBackoff retries op while its error matches the transient
// network predicate (errsan's Network/Timeout/ServiceUnavailable
// categories), up to maxAttempts, with delay base·2^(attempt-1) capped at
// 5s, per spec.md §4.4's "retry-with-exponential-backoff helper".
func RetryWithBackoff(ctx context.Context, base time.Duration, maxAttempts int, op func(context.Context) error) error {
	const maxDelay = 5 * time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		delay := base * time.Duration(1<<uint(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	switch errsan.Classify(err.Error()) {
	case errsan.CategoryNetwork, errsan.CategoryTimeout, errsan.CategoryServiceUnavailable:
		return true
	default:
		return false
	}
}
