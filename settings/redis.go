package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

const (
	DefaultCacheKey = "settlement:settings"
	DefaultCacheTTL = 30 * time.Second
)

// RedisCache is a read-through cache in front of a SettingsStore. Redis
// errors are logged and the inner store is read instead; only inner
// failures reach the caller.
type RedisCache struct {
	client *redis.Client
	inner  settlement.SettingsStore
	key    string
	ttl    time.Duration
}

var _ settlement.SettingsStore = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, inner settlement.SettingsStore, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, inner: inner, key: DefaultCacheKey, ttl: ttl}
}

// NewRedisClient parses redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// WithKey overrides the cache key; tests use it to isolate runs.
func (c *RedisCache) WithKey(key string) *RedisCache {
	c.key = key
	return c
}

func (c *RedisCache) Settings(ctx context.Context) (settlement.Settings, error) {
	log := logger.FromContext(ctx)

	raw, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		s, derr := decodePlan(raw)
		if derr == nil {
			return s, nil
		}
		log.Warn().Err(derr).Str("key", c.key).Msg("discarding unreadable cached settings")
	case errors.Is(err, redis.Nil):
	default:
		log.Warn().Err(err).Msg("settings cache unavailable, reading through")
	}

	s, err := c.inner.Settings(ctx)
	if err != nil {
		return settlement.Settings{}, err
	}
	if data, err := encodePlan(s); err == nil {
		if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Msg("failed to populate settings cache")
		}
	}
	return s, nil
}

// SaveSettings writes through to the inner store and drops the cached copy.
func (c *RedisCache) SaveSettings(ctx context.Context, s settlement.Settings) error {
	if err := c.inner.SaveSettings(ctx, s); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("failed to invalidate settings cache")
	}
	return nil
}

// Invalidate drops the cached snapshot.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
