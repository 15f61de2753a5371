package pendingqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ctxquiz/quizcore/internal/domain"
)

type fakeCache struct {
	mu      sync.Mutex
	lists   map[string][]string
	strings map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{lists: make(map[string][]string), strings: make(map[string]string)}
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
	list := c.lists[key]
	if n >= len(list) {
		c.lists[key] = nil
		return nil
	}
	c.lists[key] = list[:len(list)-n]
	return nil
}

func (c *fakeCache) ListClear(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, key)
	return nil
}

func (c *fakeCache) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = value
	return nil
}

func (c *fakeCache) StringGet(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.strings[key]
	return v, ok, nil
}

func (c *fakeCache) StringDelete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.strings, key)
	return nil
}

func TestQueue_EnqueueIsNewestFirstAndFIFODrain(t *testing.T) {
	fc := newFakeCache()
	q := New(fc)
	ctx := context.Background()

	ids := []string{}
	for i := 0; i < 3; i++ {
		pw, err := q.Enqueue(ctx, domain.PendingWrite{Op: domain.OpInsert, Collection: "sessions", DocumentID: "doc"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, pw.ID)
	}

	all, err := q.List(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d err=%v", len(all), err)
	}
	if all[0].ID != ids[2] {
		t.Fatalf("expected newest-first ordering, got %+v", all)
	}

	if err := q.RemoveOldest(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remaining, _ := q.List(ctx)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining after removing oldest, got %d", len(remaining))
	}
	for _, pw := range remaining {
		if pw.ID == ids[0] {
			t.Fatal("oldest entry should have been removed first")
		}
	}
}

func TestQueue_UnavailableMarker(t *testing.T) {
	fc := newFakeCache()
	q := New(fc)
	ctx := context.Background()

	if down, _ := q.IsUnavailable(ctx); down {
		t.Fatal("should not start unavailable")
	}
	_ = q.MarkUnavailable(ctx)
	if down, _ := q.IsUnavailable(ctx); !down {
		t.Fatal("expected unavailable marker to be set")
	}
	_ = q.ClearUnavailable(ctx)
	if down, _ := q.IsUnavailable(ctx); down {
		t.Fatal("expected unavailable marker to be cleared")
	}
}

func TestQueue_Snapshots(t *testing.T) {
	fc := newFakeCache()
	q := New(fc)
	ctx := context.Background()

	_, found, err := q.GetSnapshot(ctx, "sessions", "s1")
	if err != nil || found {
		t.Fatalf("expected no snapshot yet, found=%v err=%v", found, err)
	}

	doc := map[string]any{"documentId": "s1", "name": "Doc"}
	if err := q.PutSnapshot(ctx, "sessions", "s1", doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, found, err := q.GetSnapshot(ctx, "sessions", "s1")
	if err != nil || !found {
		t.Fatalf("expected snapshot, found=%v err=%v", found, err)
	}
	if got["documentId"] != "s1" {
		t.Fatalf("unexpected snapshot contents: %+v", got)
	}
}
