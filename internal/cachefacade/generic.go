package cachefacade

import (
	"context"
	"time"
)

// The generic String/Hash/List surface below is used by components built
// on top of the cache facade that need raw key/value access rather than a
// typed operation — chiefly the pending-write queue (C5), which stores its
// FIFO envelope and per-document snapshots at the `fallback:mongodb:*`
// keys described in spec.md §6.

// StringGet returns (value, found, error).
func (f *Facade) StringGet(ctx context.Context, key string) (string, bool, error) {
	const op = "generic.string_get"
	if f.beginOp(ctx, op) {
		v, ok := f.fallback.genericGet(key)
		return v, ok, nil
	}
	v, err := f.client.Get(ctx, key)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			v, ok := f.fallback.genericGet(key)
			return v, ok, nil
		}
		return "", false, nil
	}
	return v, true, nil
}

// StringSet writes a raw string value with a TTL.
func (f *Facade) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	const op = "generic.string_set"
	if f.beginOp(ctx, op) {
		f.fallback.genericSet(key, value, ttl)
		return nil
	}
	if err := f.client.Set(ctx, key, value, ttl); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.genericSet(key, value, ttl)
			return nil
		}
		return err
	}
	return nil
}

// StringDelete removes a raw string key from both stores.
func (f *Facade) StringDelete(ctx context.Context, key string) error {
	const op = "generic.string_delete"
	f.fallback.genericDelete(key)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.Del(ctx, key); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}

// ExistsKey reports whether a raw string key exists.
func (f *Facade) ExistsKey(ctx context.Context, key string) (bool, error) {
	const op = "generic.exists"
	if f.beginOp(ctx, op) {
		_, ok := f.fallback.genericGet(key)
		return ok, nil
	}
	exists, err := f.client.Exists(ctx, key)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			_, ok := f.fallback.genericGet(key)
			return ok, nil
		}
		return false, err
	}
	return exists, nil
}

// HashSetFields merges fields into a hash key, refreshing its TTL.
func (f *Facade) HashSetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	const op = "generic.hash_set"
	if f.beginOp(ctx, op) {
		f.fallback.genericHashSet(key, fields, ttl)
		return nil
	}
	if err := f.client.HSet(ctx, key, fields); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.genericHashSet(key, fields, ttl)
			return nil
		}
		return err
	}
	_ = f.client.Expire(ctx, key, ttl)
	return nil
}

// HashGetAllFields returns every field in a hash key.
func (f *Facade) HashGetAllFields(ctx context.Context, key string) (map[string]string, error) {
	const op = "generic.hash_get_all"
	return f.hashByKey(ctx, op, key)
}

// ListPushFront prepends a raw string to a list key, refreshing its TTL.
func (f *Facade) ListPushFront(ctx context.Context, key, value string, ttl time.Duration) error {
	const op = "generic.list_push"
	if f.beginOp(ctx, op) {
		f.fallback.genericListPrepend(key, value, ttl)
		return nil
	}
	if err := f.client.LPush(ctx, key, value); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.genericListPrepend(key, value, ttl)
			return nil
		}
		return err
	}
	_ = f.client.Expire(ctx, key, ttl)
	return nil
}

// ListAll returns every element of a raw list key, oldest-last (the order
// produced by repeated ListPushFront calls).
func (f *Facade) ListAll(ctx context.Context, key string) ([]string, error) {
	const op = "generic.list_all"
	if f.beginOp(ctx, op) {
		return f.fallback.genericListAll(key), nil
	}
	items, err := f.client.LRange(ctx, key, 0, -1)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return f.fallback.genericListAll(key), nil
		}
		return nil, err
	}
	return items, nil
}

// ListTrimOldest removes the n oldest elements (the tail, since
// ListPushFront prepends) from a raw list key.
func (f *Facade) ListTrimOldest(ctx context.Context, key string, n int) error {
	const op = "generic.list_trim_oldest"
	if f.beginOp(ctx, op) {
		f.fallback.genericListTrimOldest(key, n)
		return nil
	}
	if err := f.client.LTrim(ctx, key, 0, int64(-n-1)); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.genericListTrimOldest(key, n)
			return nil
		}
		return err
	}
	return nil
}

// ListClear removes a raw list key entirely.
func (f *Facade) ListClear(ctx context.Context, key string) error {
	const op = "generic.list_clear"
	f.fallback.genericListClear(key)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.Del(ctx, key); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}
