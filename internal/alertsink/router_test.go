package alertsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestRouter_FanOutIsolatesPanickingCallback(t *testing.T) {
	r := NewRouter(nil, logr.Discard())

	var mu sync.Mutex
	var delivered []string

	r.Register("panics", func(ctx context.Context, a Alert) {
		panic("boom")
	})
	r.Register("records", func(ctx context.Context, a Alert) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, a.Component)
	})

	r.Emit(context.Background(), Alert{Component: "cachefacade", Kind: "cache_enter_fallback"})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "cachefacade" {
		t.Fatalf("expected the non-panicking callback to still run, got %v", delivered)
	}
}

func TestRouter_UnregisterStopsDelivery(t *testing.T) {
	r := NewRouter(nil, logr.Discard())

	count := 0
	r.Register("counter", func(ctx context.Context, a Alert) { count++ })
	r.Emit(context.Background(), Alert{Component: "x", Kind: "y"})
	r.Unregister("counter")
	r.Emit(context.Background(), Alert{Component: "x", Kind: "y"})

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unregister, got %d", count)
	}
}

func TestRateLimiter_CapsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)

	if !rl.Allow("c", "k") || !rl.Allow("c", "k") {
		t.Fatal("expected first two calls to be allowed")
	}
	if rl.Allow("c", "k") {
		t.Fatal("expected third call within the window to be rejected")
	}
	if !rl.Allow("c", "other-kind") {
		t.Fatal("a different kind should have its own budget")
	}
}

func TestRateLimiter_AllowsAgainAfterWindowElapses(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	if !rl.Allow("c", "k") {
		t.Fatal("expected first call to be allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("c", "k") {
		t.Fatal("expected call to be allowed again after the window elapsed")
	}
}
