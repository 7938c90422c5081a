// Package idempotency provides a Redis-backed seen-marker in front of the
// database idempotency gate.
//
// The cache is an optimization, never an authority: a hit short-circuits a
// duplicate delivery without a database round trip, a miss (or Redis being
// down) falls through to the store lookup, which remains the source of
// truth.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

// DefaultTTL covers the window in which providers realistically re-deliver.
const DefaultTTL = 24 * time.Hour

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func key(provider domain.Provider, eventID string) string {
	return fmt.Sprintf("webhook:seen:%s:%s", provider, eventID)
}

func (c *RedisCache) Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, key(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, provider domain.Provider, eventID string) error {
	if err := c.client.Set(ctx, key(provider, eventID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}
