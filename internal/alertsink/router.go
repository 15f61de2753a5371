// Package alertsink implements the pluggable alert fan-out shared by the
// storage/resilience components: the cache facade (C3), the durable store
// facade (C4), the answer batcher (C6), and the recovery worker (C7) all
// emit through the same Sink interface so operators wire one set of
// callbacks (Slack, PagerDuty, logs, metrics) regardless of which
// component raised the alert.
package alertsink

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Kind identifies the category of alert. Components define their own
// string constants (e.g. cachefacade.AlertEnterFallback) that satisfy
// this type.
type Kind string

// Alert is the payload delivered to every registered callback.
type Alert struct {
	Component string
	Kind      Kind
	Operation string
	Message   string
	At        time.Time
	Elapsed   time.Duration
}

// Sink receives alerts. Implementations (chiefly *Router) must never panic
// the caller.
type Sink interface {
	Emit(ctx context.Context, alert Alert)
}

// Callback is a single alert destination — a Slack webhook, a log line, a
// metrics counter increment, or a test probe.
type Callback func(ctx context.Context, alert Alert)

// Router fans an alert out to every registered callback, isolating a
// panicking callback from the others and from the caller, and
// rate-limits by (component, kind) so a storm of identical alerts degrades
// to a trickle instead of flooding every destination. Grounded on
// internal/notify/channels.go's Router/RateLimiter pair, generalised from
// severity-routed notification channels to component/kind-keyed alert
// callbacks.
type Router struct {
	mu        sync.RWMutex
	callbacks map[string]Callback

	limiter *RateLimiter
	log     logr.Logger
}

// NewRouter constructs a Router. limiter may be nil to disable rate
// limiting entirely.
func NewRouter(limiter *RateLimiter, log logr.Logger) *Router {
	return &Router{
		callbacks: make(map[string]Callback),
		limiter:   limiter,
		log:       log,
	}
}

// Register adds a named callback. Registering under an existing name
// replaces it.
func (r *Router) Register(name string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[name] = cb
}

// Unregister removes a named callback.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, name)
}

// Emit implements Sink. It fans the alert out to every registered
// callback synchronously, one after another, but isolates each one: a
// panic in one callback never prevents the others from running nor
// propagates to the caller. A slow callback delays the ones after it and
// the caller.
func (r *Router) Emit(ctx context.Context, alert Alert) {
	if r.limiter != nil && !r.limiter.Allow(alert.Component, alert.Kind) {
		return
	}

	r.mu.RLock()
	cbs := make(map[string]Callback, len(r.callbacks))
	for name, cb := range r.callbacks {
		cbs[name] = cb
	}
	r.mu.RUnlock()

	for name, cb := range cbs {
		r.safeInvoke(ctx, name, cb, alert)
	}
}

func (r *Router) safeInvoke(ctx context.Context, name string, cb Callback, alert Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(nil, "alert callback panicked", "callback", name, "recovered", rec)
		}
	}()
	cb(ctx, alert)
}

// RateLimiter caps alert delivery per (component, kind) pair within a
// sliding window, mirroring internal/notify/channels.go's per-agent
// hourly limiter but generalised to an arbitrary window and key.
type RateLimiter struct {
	max    int
	window time.Duration

	mu     sync.Mutex
	counts map[string][]time.Time
}

// NewRateLimiter allows at most max Emit calls per (component, kind) pair
// within window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		counts: make(map[string][]time.Time),
	}
}

// Allow reports whether another alert for this component/kind pair may be
// delivered right now, recording the attempt if so.
func (rl *RateLimiter) Allow(component string, kind Kind) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := component + "|" + string(kind)
	now := time.Now()
	cutoff := now.Add(-rl.window)

	recent := make([]time.Time, 0, len(rl.counts[key]))
	for _, t := range rl.counts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.max {
		rl.counts[key] = recent
		return false
	}
	rl.counts[key] = append(recent, now)
	return true
}
