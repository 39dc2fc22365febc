package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"fmu-gateway.ai/cloud/internal/logger"
)

// Cache is a read-through result cache on Redis. A nil *Cache is valid
// and behaves as a permanent miss, so callers never branch on whether
// caching is configured. Cache failures degrade to misses; they are
// logged, never surfaced.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(url string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Cache{client: client, ttl: ttl}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	value, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Warn("Cache read failed", map[string]interface{}{
			"cache_key": key,
			"error":     err.Error(),
		})
		return nil, false
	}

	return value, true
}

func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	if c == nil {
		return
	}

	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		logger.Warn("Cache write failed", map[string]interface{}{
			"cache_key": key,
			"error":     err.Error(),
		})
	}
}

// Invalidate removes keys explicitly, e.g. when the data they derive
// from is revoked or rotated.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.Warn("Cache invalidation failed", map[string]interface{}{
			"keys":  len(keys),
			"error": err.Error(),
		})
	}
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
