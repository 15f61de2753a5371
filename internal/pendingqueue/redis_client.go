package pendingqueue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAdapter implements this package's cache interface over a real
// *redis.Client, the same narrow-adapter idiom as
// internal/cachefacade/redis_client.go's redisAdapter — a separate small
// adapter rather than reusing cachefacade's, since the two packages need
// different Redis command subsets (lists/strings here, plus hashes and
// sorted sets there).
type redisAdapter struct {
	rdb *redis.Client
}

// NewRedisClient wraps a *redis.Client for use by the pending write queue.
func NewRedisClient(rdb *redis.Client) cache {
	return &redisAdapter{rdb: rdb}
}

func (a *redisAdapter) ListPushFront(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := a.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (a *redisAdapter) ListAll(ctx context.Context, key string) ([]string, error) {
	return a.rdb.LRange(ctx, key, 0, -1).Result()
}

func (a *redisAdapter) ListTrimOldest(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	length, err := a.rdb.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if int64(n) >= length {
		return a.rdb.Del(ctx, key).Err()
	}
	// Newest entries sit at the head (LPush), so the n oldest are the last
	// n elements; keep everything before them.
	return a.rdb.LTrim(ctx, key, 0, length-int64(n)-1).Err()
}

func (a *redisAdapter) ListClear(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, key).Err()
}

func (a *redisAdapter) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *redisAdapter) StringGet(ctx context.Context, key string) (string, bool, error) {
	v, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return v, err == nil, err
}

func (a *redisAdapter) StringDelete(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, key).Err()
}
