package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geodisk/geodisk"
	"github.com/redis/go-redis/v9"
)

// Options configures a RedisCache connection.
type Options struct {
	Address                  string
	Password                 string
	DB                       int
	DefaultDurationInSeconds int
}

func (opt *Options) defaultDuration() time.Duration {
	return time.Duration(opt.DefaultDurationInSeconds) * time.Second
}

// DefaultOptions returns sane defaults pointing at a local Redis instance, a 24h default
// key lifetime.
func DefaultOptions() Options {
	return Options{
		Address:                  "localhost:6379",
		DefaultDurationInSeconds: 24 * 60 * 60,
	}
}

// RedisCache is a Redis-backed geodisk.Cache, used for multi-process deployments of the
// geosched durable config store.
type RedisCache struct {
	client  *redis.Client
	options Options
}

// NewRedisCache connects to Redis per options and returns a Cache implementation.
func NewRedisCache(options Options) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	return &RedisCache{client: client, options: options}
}

// Ping verifies connectivity (PONG expected).
func (c *RedisCache) Ping(ctx context.Context) error {
	_, err := c.client.Ping(ctx).Result()
	return err
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		expiration = c.options.defaultDuration()
	}
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) CreateLockKeys(names []string) []*geodisk.LockKey {
	keys := make([]*geodisk.LockKey, len(names))
	for i, n := range names {
		keys[i] = &geodisk.LockKey{Key: fmt.Sprintf("lock:%s", n), LockID: geodisk.NewUUID()}
	}
	return keys
}

// Lock uses SET NX as the per-key acquisition primitive, matching the Redis recipe for a
// simple distributed lock; it does not attempt the Redlock multi-node algorithm since
// geosched's config store targets a single Redis instance/cluster.
func (c *RedisCache) Lock(ctx context.Context, duration time.Duration, keys []*geodisk.LockKey) (bool, error) {
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	acquired := make([]*geodisk.LockKey, 0, len(keys))
	for _, lk := range keys {
		ok, err := c.client.SetNX(ctx, lk.Key, lk.LockID.String(), duration).Result()
		if err != nil {
			c.rollback(ctx, acquired)
			return false, err
		}
		if !ok {
			c.rollback(ctx, acquired)
			return false, nil
		}
		acquired = append(acquired, lk)
	}
	return true, nil
}

func (c *RedisCache) rollback(ctx context.Context, acquired []*geodisk.LockKey) {
	_ = c.Unlock(ctx, acquired)
}

func (c *RedisCache) IsLocked(ctx context.Context, keys []*geodisk.LockKey) (bool, error) {
	for _, lk := range keys {
		v, err := c.client.Get(ctx, lk.Key).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if v != lk.LockID.String() {
			return false, nil
		}
	}
	return true, nil
}

func (c *RedisCache) Unlock(ctx context.Context, keys []*geodisk.LockKey) error {
	for _, lk := range keys {
		v, err := c.client.Get(ctx, lk.Key).Result()
		if err != nil {
			continue
		}
		if v == lk.LockID.String() {
			c.client.Del(ctx, lk.Key)
		}
	}
	return nil
}
