// Package idempotency remembers which order an Idempotency-Key produced so a
// retried checkout returns the first order instead of placing a second one.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const pending = "\x00pending"

// claimTTL bounds how long a claim survives a process that died before
// completing or aborting it.
const claimTTL = time.Minute

// ErrInProgress means another request with the same key has not finished.
var ErrInProgress = errors.New("request with this idempotency key is still in progress")

type RedisStore struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "idem:orders:", ttl: ttl, pendingTTL: min(claimTTL, ttl)}
}

// Begin claims key. It returns started=true when the caller owns the key
// and must later Complete or Abort it, or the stored order id when a
// previous request already finished.
func (s *RedisStore) Begin(ctx context.Context, key string) (orderID string, started bool, err error) {
	k := s.prefix + key
	ok, err := s.client.SetNX(ctx, k, pending, s.pendingTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}

	v, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; try once more
		return s.Begin(ctx, key)
	}
	if err != nil {
		return "", false, err
	}
	if v == pending {
		return "", false, ErrInProgress
	}
	return v, false, nil
}

// Complete records the order id for key and extends it to the full TTL.
func (s *RedisStore) Complete(ctx context.Context, key, orderID string) error {
	return s.client.Set(ctx, s.prefix+key, orderID, s.ttl).Err()
}

// Abort frees key so the client can retry after a failed placement.
func (s *RedisStore) Abort(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
