package quote

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "quote:agnt:usdc:"

// Cache is the key/value subset of a Redis client. Get returns redis.Nil on
// a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisCache adapts a go-redis client to Cache.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CachedProvider memoizes quotes for a short TTL. Cache failures are logged
// and fall through to the wrapped provider.
type CachedProvider struct {
	next   Provider
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedProvider(next Provider, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (p *CachedProvider) QuoteAGNTToUSDC(ctx context.Context, agntAmount decimal.Decimal) (decimal.Decimal, error) {
	key := cacheKeyPrefix + agntAmount.String()

	cached, err := p.cache.Get(ctx, key)
	switch {
	case err == nil:
		if quoted, parseErr := decimal.NewFromString(cached); parseErr == nil {
			return quoted, nil
		}
		p.logger.Warn("Discarding malformed cached quote", zap.String("key", key), zap.String("value", cached))
	case !errors.Is(err, redis.Nil):
		p.logger.Warn("Quote cache read failed", zap.String("key", key), zap.Error(err))
	}

	quoted, err := p.next.QuoteAGNTToUSDC(ctx, agntAmount)
	if err != nil {
		return decimal.Zero, err
	}

	if err := p.cache.Set(ctx, key, quoted.String(), p.ttl); err != nil {
		p.logger.Warn("Quote cache write failed", zap.String("key", key), zap.Error(err))
	}
	return quoted, nil
}
