package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/observability"
)

// casScript swaps a hash field only when it still holds the expected value.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == ARGV[2] then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  return 1
end
return 0
`)

// RedisStore implements Store on Redis sorted sets and hashes. Each call is
// bounded by timeout; on transport failure the call is served by an in-process
// fallback with the same semantics.
type RedisStore struct {
	client   *redis.Client
	fallback *MemoryStore
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRedisStore(client *redis.Client, timeout time.Duration, logger *slog.Logger) *RedisStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:   client,
		fallback: NewMemoryStore(),
		timeout:  timeout,
		logger:   logger.With("component", "kvstore"),
	}
}

func (r *RedisStore) Shared() bool { return true }

func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) bounded(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.timeout)
}

// degraded records a failed Redis call. It returns true when the caller should
// use the fallback store.
func (r *RedisStore) degraded(op, key string, err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	observability.StoreFallbacks.WithLabelValues(op).Inc()
	r.logger.Warn("redis call failed, using in-process fallback", "op", op, "key", key, "error", err)
	return true
}

func (r *RedisStore) AddScored(ctx context.Context, key, member string, score float64) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if r.degraded("zadd", key, err) {
		r.fallback.AddScored(ctx, key, member, score)
	}
}

func (r *RedisStore) RemoveScored(ctx context.Context, key string, members ...string) {
	if len(members) == 0 {
		return
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := r.client.ZRem(ctx, key, args...).Err()
	if r.degraded("zrem", key, err) {
		r.fallback.RemoveScored(ctx, key, members...)
	}
}

func toScored(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out
}

func (r *RedisStore) RangeScored(ctx context.Context, key string, start, stop int64) []ScoredMember {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	zs, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if r.degraded("zrange", key, err) {
		return r.fallback.RangeScored(ctx, key, start, stop)
	}
	return toScored(zs)
}

func (r *RedisStore) PopMinScored(ctx context.Context, key string, count int64) []ScoredMember {
	if count <= 0 {
		return nil
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	zs, err := r.client.ZPopMin(ctx, key, count).Result()
	if r.degraded("zpopmin", key, err) {
		return r.fallback.PopMinScored(ctx, key, count)
	}
	return toScored(zs)
}

func (r *RedisStore) Cardinality(ctx context.Context, key string) int64 {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	n, err := r.client.ZCard(ctx, key).Result()
	if r.degraded("zcard", key, err) {
		return r.fallback.Cardinality(ctx, key)
	}
	return n
}

func (r *RedisStore) SetFields(ctx context.Context, key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	err := r.client.HSet(ctx, key, values).Err()
	if r.degraded("hset", key, err) {
		r.fallback.SetFields(ctx, key, fields)
	}
}

func (r *RedisStore) GetAllFields(ctx context.Context, key string) map[string]string {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	m, err := r.client.HGetAll(ctx, key).Result()
	if r.degraded("hgetall", key, err) {
		return r.fallback.GetAllFields(ctx, key)
	}
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (r *RedisStore) CompareAndSetField(ctx context.Context, key, field, expected, value string) bool {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	n, err := casScript.Run(ctx, r.client, []string{key}, field, expected, value).Int()
	if r.degraded("cas", key, err) {
		return r.fallback.CompareAndSetField(ctx, key, field, expected, value)
	}
	return n == 1
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	err := r.client.Expire(ctx, key, ttl).Err()
	if r.degraded("expire", key, err) {
		r.fallback.Expire(ctx, key, ttl)
	}
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	err := r.client.Del(ctx, keys...).Err()
	if r.degraded("del", strings.Join(keys, ","), err) {
		r.fallback.Delete(ctx, keys...)
	}
}

func (r *RedisStore) KeysMatching(ctx context.Context, prefix string) []string {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if r.degraded("scan", prefix, err) {
			return r.fallback.KeysMatching(ctx, prefix)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
