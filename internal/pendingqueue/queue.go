// Package pendingqueue implements the durable-store facade's FIFO backlog
// of writes accepted while the durable store is unreachable, plus the
// per-document snapshot keyspace readers consult during the outage.
//
// The queue lives in the cache (C3): it survives process restarts as long
// as the cache survives, and degrades into the cache's own in-memory
// fallback if the cache is down too — considered catastrophic, per
// spec.md §4.5, but never a crash: the queue simply rides on whatever
// durability the cache facade can currently offer.
package pendingqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ctxquiz/quizcore/internal/domain"
)

const (
	pendingListKey    = "fallback:mongodb:pending"
	unavailableKey    = "mongodb:unavailable"
	unavailableTTL    = 5 * time.Minute
	snapshotTTL       = 1 * time.Hour
	pendingListTTL    = 24 * time.Hour
)

// cache is the subset of the cache facade's generic surface this package
// needs. Narrowed so tests can substitute a fake rather than a live
// *cachefacade.Facade.
type cache interface {
	ListPushFront(ctx context.Context, key, value string, ttl time.Duration) error
	ListAll(ctx context.Context, key string) ([]string, error)
	ListTrimOldest(ctx context.Context, key string, n int) error
	ListClear(ctx context.Context, key string) error

	StringSet(ctx context.Context, key, value string, ttl time.Duration) error
	StringGet(ctx context.Context, key string) (string, bool, error)
	StringDelete(ctx context.Context, key string) error
}

// Queue is the pending-write FIFO plus snapshot keyspace described in
// spec.md §4.5.
type Queue struct {
	cache cache
}

// New wraps a cache client (normally *cachefacade.Facade).
func New(c cache) *Queue {
	return &Queue{cache: c}
}

// Enqueue prepends a pending write, so the underlying list is newest-first
// (spec.md §4.5: "prepends (so newest-first in list)"). The id is
// generated if the caller left it empty.
func (q *Queue) Enqueue(ctx context.Context, pw domain.PendingWrite) (domain.PendingWrite, error) {
	if pw.ID == "" {
		pw.ID = uuid.NewString()
	}
	if pw.EnqueuedAt.IsZero() {
		pw.EnqueuedAt = time.Now().UTC()
	}
	buf, err := json.Marshal(pw)
	if err != nil {
		return pw, fmt.Errorf("pendingqueue: encode pending write: %w", err)
	}
	if err := q.cache.ListPushFront(ctx, pendingListKey, string(buf), pendingListTTL); err != nil {
		return pw, fmt.Errorf("pendingqueue: enqueue: %w", err)
	}
	return pw, nil
}

// List returns every pending write, newest first.
func (q *Queue) List(ctx context.Context) ([]domain.PendingWrite, error) {
	raws, err := q.cache.ListAll(ctx, pendingListKey)
	if err != nil {
		return nil, fmt.Errorf("pendingqueue: list: %w", err)
	}
	out := make([]domain.PendingWrite, 0, len(raws))
	for _, raw := range raws {
		var pw domain.PendingWrite
		if err := json.Unmarshal([]byte(raw), &pw); err != nil {
			continue
		}
		out = append(out, pw)
	}
	return out, nil
}

// Count returns the number of pending writes.
func (q *Queue) Count(ctx context.Context) (int, error) {
	all, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// RemoveOldest pops n entries from the tail of the list (the oldest
// entries, since Enqueue prepends) — the FIFO-drain primitive the
// recovery worker uses, per spec.md §4.5.
func (q *Queue) RemoveOldest(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := q.cache.ListTrimOldest(ctx, pendingListKey, n); err != nil {
		return fmt.Errorf("pendingqueue: remove oldest: %w", err)
	}
	return nil
}

// Clear empties the pending-write list entirely.
func (q *Queue) Clear(ctx context.Context) error {
	return q.cache.ListClear(ctx, pendingListKey)
}

// MarkUnavailable sets the server-wide "durable store is down" marker with
// a ~5 min self-expiring TTL, for C4 to call on its first Closed→Open
// transition.
func (q *Queue) MarkUnavailable(ctx context.Context) error {
	return q.cache.StringSet(ctx, unavailableKey, time.Now().UTC().Format(time.RFC3339), unavailableTTL)
}

// ClearUnavailable clears the marker, for C4 to call on Open→HalfOpen or
// →Closed.
func (q *Queue) ClearUnavailable(ctx context.Context) error {
	return q.cache.StringDelete(ctx, unavailableKey)
}

// IsUnavailable reports whether the marker is currently set.
func (q *Queue) IsUnavailable(ctx context.Context) (bool, error) {
	_, found, err := q.cache.StringGet(ctx, unavailableKey)
	return found, err
}

// snapshotKey builds the fallback:<collection>:<id> key spec.md §6 defines.
func snapshotKey(collection, id string) string {
	return fmt.Sprintf("fallback:%s:%s", collection, id)
}

// PutSnapshot writes the latest known document for a collection/id pair,
// TTL 1h, so reads during an outage see the latest intent.
func (q *Queue) PutSnapshot(ctx context.Context, collection, id string, doc map[string]any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pendingqueue: encode snapshot: %w", err)
	}
	return q.cache.StringSet(ctx, snapshotKey(collection, id), string(buf), snapshotTTL)
}

// DeleteSnapshot removes a collection/id snapshot once its corresponding
// pending write has been durably applied (spec.md §4.7 step 6: "After a
// successful apply, delete the corresponding fallback snapshot").
func (q *Queue) DeleteSnapshot(ctx context.Context, collection, id string) error {
	return q.cache.StringDelete(ctx, snapshotKey(collection, id))
}

// GetSnapshot reads the latest snapshot for a collection/id pair, if any.
func (q *Queue) GetSnapshot(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	raw, found, err := q.cache.StringGet(ctx, snapshotKey(collection, id))
	if err != nil || !found {
		return nil, found, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("pendingqueue: decode snapshot: %w", err)
	}
	return doc, true, nil
}
