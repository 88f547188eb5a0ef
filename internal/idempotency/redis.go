package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inProgressMarker = "__in_progress__"

// RedisGuard keeps records in Redis with a TTL. The reservation is a SETNX so
// concurrent duplicates see each other.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard constructs a guard; ttl <= 0 selects DefaultTTL.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Check(ctx context.Context, key, scope string) (Result, error) {
	cached, err := g.client.Get(ctx, recordKey(key, scope)).Result()
	if errors.Is(err, redis.Nil) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cached == inProgressMarker {
		return Result{IsDuplicate: true, InProgress: true}, nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(cached), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stored response: %w", err)
	}
	return Result{IsDuplicate: true, Response: &resp}, nil
}

func (g *RedisGuard) Reserve(ctx context.Context, key, scope string) (bool, error) {
	ok, err := g.client.SetNX(ctx, recordKey(key, scope), inProgressMarker, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

func (g *RedisGuard) Store(ctx context.Context, key, scope string, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := g.client.Set(ctx, recordKey(key, scope), payload, g.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, key, scope string) error {
	if err := g.client.Del(ctx, recordKey(key, scope)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
