package cachefacade

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ZMember is a sorted-set member/score pair, decoupled from the go-redis
// wire type so the rest of the package does not import redis directly.
type ZMember struct {
	Member string
	Score  float64
}

// client is the subset of Redis operations the cache facade needs. It
// exists so tests can substitute a fake instead of a live Redis server —
// the same shape as the teacher's narrow "sender"/"trackable" interfaces
// in internal/controlplane/jobs/scheduler.go.
type client interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRevRank(ctx context.Context, key, member string) (int64, bool, error) // bool=found
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	LPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// redisAdapter implements client over a real *redis.Client.
type redisAdapter struct {
	rdb *redis.Client
}

// NewRedisClient wraps a *redis.Client for use by the cache facade.
func NewRedisClient(rdb *redis.Client) client {
	return &redisAdapter{rdb: rdb}
}

func (a *redisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errKeyNotFound
	}
	return v, err
}

func (a *redisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *redisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (a *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *redisAdapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return a.rdb.TTL(ctx, key).Result()
}

func (a *redisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.rdb.Incr(ctx, key).Result()
}

func (a *redisAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *redisAdapter) HSet(ctx context.Context, key string, fields map[string]string) error {
	vals := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	return a.rdb.HSet(ctx, key, vals...).Err()
}

func (a *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

func (a *redisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (a *redisAdapter) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := a.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ZMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (a *redisAdapter) ZRevRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := a.rdb.ZRevRank(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (a *redisAdapter) ZRem(ctx context.Context, key, member string) error {
	return a.rdb.ZRem(ctx, key, member).Err()
}

func (a *redisAdapter) ZCard(ctx context.Context, key string) (int64, error) {
	return a.rdb.ZCard(ctx, key).Result()
}

func (a *redisAdapter) LPush(ctx context.Context, key, value string) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

func (a *redisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.LRange(ctx, key, start, stop).Result()
}

func (a *redisAdapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	return a.rdb.LTrim(ctx, key, start, stop).Err()
}
