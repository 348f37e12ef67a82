package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/research-fanout/internal/core"
)

var (
	_ core.IdempotencyStore = (*RedisIdempotencyStore)(nil)
	_ core.SubmitLimiter    = (*RedisSubmitLimiter)(nil)
)

const idempotencyKeyPrefix = "research:idem:"

// RedisIdempotencyStore maps submit idempotency keys to job ids using SET NX.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
}

// NewRedisIdempotencyStore creates a RedisIdempotencyStore.
func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Claim binds key to jobID unless the key is already bound.
func (s *RedisIdempotencyStore) Claim(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	// SET NX with TTL in one command; SETNX followed by EXPIRE is not atomic.
	status, err := s.client.SetArgs(ctx, idempotencyKeyPrefix+key, jobID, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return status == "OK", nil
}

// Lookup returns the job id bound to key.
func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Release drops the binding so a failed submit can be retried with the same key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

const submitLimitPrefix = "research:submits:"

// RedisSubmitLimiter caps submits per owner in fixed windows.
type RedisSubmitLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisSubmitLimiter creates a limiter allowing limit submits per window. A limit <= 0 disables it.
func NewRedisSubmitLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisSubmitLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisSubmitLimiter{client: client, limit: int64(limit), window: window, now: time.Now}
}

// Allow counts one submit for the owner and reports whether it fits in the current window.
func (l *RedisSubmitLimiter) Allow(ctx context.Context, ownerID string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	bucket := l.now().UTC().Truncate(l.window).Unix()
	key := fmt.Sprintf("%s%s:%d", submitLimitPrefix, ownerID, bucket)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis submit counter: %w", err)
	}
	return incr.Val() <= l.limit, nil
}
