package identity

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "icp-miner:site-owner:"

// RedisClient is the subset of redis.Cmdable the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedResolver is a read-through Redis cache in front of another Resolver.
// Redis failures fall through to the backing resolver.
type CachedResolver struct {
	client RedisClient
	next   Resolver
	ttl    time.Duration
}

// NewCachedResolver wraps next. ttl <= 0 defaults to one hour.
func NewCachedResolver(client RedisClient, next Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedResolver{client: client, next: next, ttl: ttl}
}

// NewRedisClient opens a go-redis client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// OwnerOf implements Resolver.
func (c *CachedResolver) OwnerOf(ctx context.Context, siteID string) (string, error) {
	key := keyPrefix + siteID

	owner, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return owner, nil
	case !errors.Is(err, redis.Nil):
		zap.L().Warn("identity: redis get failed", zap.String("site_id", siteID), zap.Error(err))
	}

	owner, err = c.next.OwnerOf(ctx, siteID)
	if err != nil {
		return "", err
	}

	if err := c.client.Set(ctx, key, owner, c.ttl).Err(); err != nil {
		zap.L().Warn("identity: redis set failed", zap.String("site_id", siteID), zap.Error(err))
	}
	return owner, nil
}
