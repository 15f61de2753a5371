package maintenance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ctxquiz/quizcore/internal/domain"
	"github.com/ctxquiz/quizcore/internal/pendingqueue"
)

// fakeCache is a minimal in-memory implementation of pendingqueue's
// unexported cache interface, sufficient for exercising Queue.List/Count.
type fakeCache struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{lists: make(map[string][]string)}
}

func (c *fakeCache) ListPushFront(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]string{value}, c.lists[key]...)
	return nil
}

func (c *fakeCache) ListAll(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lists[key]))
	copy(out, c.lists[key])
	return out, nil
}

func (c *fakeCache) ListTrimOldest(ctx context.Context, key string, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[key]
	if n >= len(l) {
		c.lists[key] = nil
		return nil
	}
	c.lists[key] = l[:len(l)-n]
	return nil
}

func (c *fakeCache) ListClear(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, key)
	return nil
}

func (c *fakeCache) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}

func (c *fakeCache) StringGet(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (c *fakeCache) StringDelete(ctx context.Context, key string) error { return nil }

func testDBPath(t *testing.T) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func TestNewRegistersOnlyConfiguredJobs(t *testing.T) {
	s, err := New(Config{DBPath: testDBPath(t)})
	if err != nil {
		t.Fatalf("New with no sources: %v", err)
	}
	defer s.Stop()
	if len(s.cron.Entries()) != 0 {
		t.Errorf("expected no cron entries with no Batcher/Recovery/Queue configured, got %d", len(s.cron.Entries()))
	}
}

func TestAuditStaleWritesRecordsSummary(t *testing.T) {
	queue := pendingqueue.New(newFakeCache())

	s, err := New(Config{
		Queue:      queue,
		StaleAfter: 0, // zero selects the 10 min default; the write below is 1h old
		DBPath:     testDBPath(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	if _, err := queue.Enqueue(ctx, domain.PendingWrite{
		Op:         domain.OpInsert,
		Collection: "answers",
		DocumentID: "doc-1",
		EnqueuedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.auditStaleWrites()

	runAt, summary, found, err := s.LastRun("stale_write_audit")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !found {
		t.Fatal("expected a recorded run for stale_write_audit")
	}
	if summary != "1/1 stale" {
		t.Errorf("summary = %q, want \"1/1 stale\"", summary)
	}
	if time.Since(runAt) > time.Minute {
		t.Errorf("runAt = %v, want recent", runAt)
	}
}

func TestAuditStaleWritesEmptyQueue(t *testing.T) {
	queue := pendingqueue.New(newFakeCache())
	s, err := New(Config{Queue: queue, DBPath: testDBPath(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	s.auditStaleWrites()

	_, summary, found, err := s.LastRun("stale_write_audit")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !found {
		t.Fatal("expected a recorded run even for an empty queue")
	}
	if summary != "queue empty" {
		t.Errorf("summary = %q, want \"queue empty\"", summary)
	}
}

func TestLogStatsSnapshotRecordsRun(t *testing.T) {
	s, err := New(Config{
		Queue:  pendingqueue.New(newFakeCache()),
		DBPath: testDBPath(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	// No batcher/recovery wired: logStatsSnapshot should still record a
	// clean run rather than panic on nil fields.
	s.logStatsSnapshot()

	_, summary, found, err := s.LastRun("stats_snapshot")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !found || summary != "ok" {
		t.Errorf("stats_snapshot run = (found=%v summary=%q), want (true, \"ok\")", found, summary)
	}
}
