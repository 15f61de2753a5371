package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ctxquiz/quizcore/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	up      bool
	inserts []map[string]any
	failAll bool
}

func newFakeStore() *fakeStore { return &fakeStore{up: true} }

func (s *fakeStore) Probe(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *fakeStore) RawInsertOne(ctx context.Context, collection string, doc map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || !s.up {
		return "", errors.New("dial tcp: connection refused")
	}
	s.inserts = append(s.inserts, doc)
	return "ok", nil
}

func (s *fakeStore) RawUpdateOne(ctx context.Context, collection string, filter, update map[string]any, upsert bool) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || !s.up {
		return 0, 0, errors.New("dial tcp: connection refused")
	}
	return 1, 1, nil
}

func (s *fakeStore) RawDeleteOne(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || !s.up {
		return 0, errors.New("dial tcp: connection refused")
	}
	return 1, nil
}

type fakeQueue struct {
	mu          sync.Mutex
	unavailable bool
	pending     []domain.PendingWrite // newest-first, matching Queue.List
	snapshots   map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{snapshots: make(map[string]bool)}
}

func (q *fakeQueue) IsUnavailable(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unavailable, nil
}

func (q *fakeQueue) ClearUnavailable(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unavailable = false
	return nil
}

func (q *fakeQueue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (q *fakeQueue) List(ctx context.Context) ([]domain.PendingWrite, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingWrite, len(q.pending))
	copy(out, q.pending)
	return out, nil
}

func (q *fakeQueue) RemoveOldest(ctx context.Context, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= len(q.pending) {
		q.pending = nil
		return nil
	}
	q.pending = q.pending[:len(q.pending)-n]
	return nil
}

func (q *fakeQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	return nil
}

func (q *fakeQueue) DeleteSnapshot(ctx context.Context, collection, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.snapshots, collection+":"+id)
	return nil
}

func (q *fakeQueue) enqueue(pw domain.PendingWrite) {
	q.pending = append([]domain.PendingWrite{pw}, q.pending...)
	q.snapshots[pw.Collection+":"+pw.DocumentID] = true
}

func TestWorker_NoOpWhenMarkerNotSet(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	w := New(Config{Store: st, Queue: q})

	w.tick(context.Background())

	stats := w.GetStats()
	if stats.TotalRecoveriesStarted != 0 {
		t.Fatalf("expected no recovery started, got %+v", stats)
	}
}

func TestWorker_ClearsMarkerWhenPendingEmpty(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	q.unavailable = true
	w := New(Config{Store: st, Queue: q})

	w.tick(context.Background())

	if q.unavailable {
		t.Fatal("expected marker cleared when nothing is pending")
	}
}

func TestWorker_DrainsPendingWritesFIFO(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	q.unavailable = true
	q.enqueue(domain.PendingWrite{ID: "1", Op: domain.OpInsert, Collection: "sessions", DocumentID: "s1", Document: map[string]any{"status": "active"}})
	q.enqueue(domain.PendingWrite{ID: "2", Op: domain.OpInsert, Collection: "sessions", DocumentID: "s2", Document: map[string]any{"status": "active"}})

	w := New(Config{Store: st, Queue: q, BatchSize: 10})
	w.tick(context.Background())

	if len(st.inserts) != 2 {
		t.Fatalf("expected both pending writes applied, got %d", len(st.inserts))
	}
	if st.inserts[0]["documentId"] != "s1" || st.inserts[1]["documentId"] != "s2" {
		t.Fatalf("expected FIFO oldest-first application order, got %+v", st.inserts)
	}
	if q.unavailable {
		t.Fatal("expected marker cleared after a full drain")
	}
	if len(q.pending) != 0 {
		t.Fatal("expected pending list cleared after a full drain")
	}
	stats := w.GetStats()
	if stats.TotalProcessed != 2 || stats.TotalFailed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWorker_AbortsWhenStoreGoesDownMidRecovery(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	q.unavailable = true
	q.enqueue(domain.PendingWrite{ID: "1", Op: domain.OpInsert, Collection: "sessions", DocumentID: "s1", Document: map[string]any{}})
	q.enqueue(domain.PendingWrite{ID: "2", Op: domain.OpInsert, Collection: "sessions", DocumentID: "s2", Document: map[string]any{}})

	w := New(Config{Store: st, Queue: q, BatchSize: 10})

	st.mu.Lock()
	st.failAll = true
	st.mu.Unlock()

	w.tick(context.Background())

	if !q.unavailable {
		t.Fatal("expected marker to remain set after an aborted recovery")
	}
	if len(q.pending) != 2 {
		t.Fatalf("expected both writes to remain queued, got %d", len(q.pending))
	}
	stats := w.GetStats()
	if stats.TotalFailed == 0 {
		t.Fatalf("expected a recorded failure, got %+v", stats)
	}
}

func TestWorker_StartStopLifecycle(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	w := New(Config{Store: st, Queue: q, CheckInterval: time.Hour})

	w.Start(context.Background())
	if w.StatusNow() != StatusRunning {
		t.Fatalf("expected running status, got %v", w.StatusNow())
	}
	w.Stop()
	if w.StatusNow() != StatusStopped {
		t.Fatalf("expected stopped status, got %v", w.StatusNow())
	}
}
