package cache

import (
	"context"
	"errors"
	"time"

	"wanderer-kills/pkg/database"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "wk:cache:"

// RedisBackend stores cache entries in Redis. Expiry is delegated to Redis
// key TTLs, so DeleteExpired is a no-op.
type RedisBackend struct {
	redis *database.Redis
}

// NewRedisBackend wraps an established Redis connection as a cache backend.
func NewRedisBackend(r *database.Redis) *RedisBackend {
	return &RedisBackend{redis: r}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.redis.Get(ctx, redisKeyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.redis.Set(ctx, redisKeyPrefix+key, value, ttl)
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.redis.Delete(ctx, redisKeyPrefix+key)
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.redis.Exists(ctx, redisKeyPrefix+key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBackend) SizePrefix(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := b.redis.Client.Scan(ctx, cursor, redisKeyPrefix+prefix+"*", 500).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (b *RedisBackend) DeleteExpired(ctx context.Context) int {
	// Redis expires keys itself.
	return 0
}

func (b *RedisBackend) Close() error {
	// The shared Redis connection is owned by the app context.
	return nil
}
