// Package pollcache implements the optional Redis-backed "queue recently
// empty" memo that lets a fleet of worker processes back off a 404'd queue
// in lockstep instead of each hammering it every poll_interval. It is never
// a source of truth: a miss here always falls back to an actual poll.
package pollcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache records and checks short-lived "queue was empty" markers.
type Cache interface {
	// IsRecentlyEmpty reports whether queueName was marked empty within
	// the configured TTL. A false return (including on a cache-layer
	// error) means the caller must still poll.
	IsRecentlyEmpty(ctx context.Context, queueName string) bool
	// MarkEmpty records that queueName returned no submission just now.
	MarkEmpty(ctx context.Context, queueName string) error
}

// RedisCache is the production Cache backed by a shared Redis instance.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a RedisCache from a redis:// URL and TTL. The connection is
// lazy: redis.NewClient never dials until the first command.
func New(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=pollcache.New: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

const keyPrefix = "judgeworker:pollcache:"

func (c *RedisCache) IsRecentlyEmpty(ctx context.Context, queueName string) bool {
	n, err := c.client.Exists(ctx, keyPrefix+queueName).Result()
	if err != nil {
		return false
	}
	return n > 0
}

func (c *RedisCache) MarkEmpty(ctx context.Context, queueName string) error {
	if err := c.client.Set(ctx, keyPrefix+queueName, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("op=pollcache.MarkEmpty: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NoopCache is used when poll_cache_redis_url is unset: every call behaves
// as if the cache is always cold, so the caller always re-polls.
type NoopCache struct{}

func (NoopCache) IsRecentlyEmpty(context.Context, string) bool { return false }
func (NoopCache) MarkEmpty(context.Context, string) error      { return nil }
