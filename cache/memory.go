package cache

import (
	"context"
	"sort"
	"time"

	"github.com/geodisk/geodisk"
)

type valueItem struct {
	data       string
	expiration time.Time
}

type lockItem struct {
	lockID     geodisk.UUID
	expiration time.Time
}

// MemoryCache is an in-memory, sharded implementation of geodisk.Cache, used by tests and
// single-process deployments of the geosched durable config store.
type MemoryCache struct {
	data  *shardedMap
	locks *shardedMap
}

// NewMemoryCache returns a new in-memory Cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		data:  newShardedMap(),
		locks: newShardedMap(),
	}
}

func (c *MemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	c.data.Store(key, valueItem{data: value, expiration: exp})
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := c.data.Load(key)
	if !ok {
		return "", false, nil
	}
	it := v.(valueItem)
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.data.Delete(key)
		return "", false, nil
	}
	return it.data, true, nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.data.Delete(k)
	}
	return nil
}

func (c *MemoryCache) CreateLockKeys(names []string) []*geodisk.LockKey {
	keys := make([]*geodisk.LockKey, len(names))
	for i, n := range names {
		keys[i] = &geodisk.LockKey{Key: "lock:" + n, LockID: geodisk.NewUUID()}
	}
	return keys
}

// Lock sorts the requested keys before acquiring them (deterministic order across callers
// avoids A-locks-B-while-B-locks-A deadlocks between concurrent multi-key lock attempts).
func (c *MemoryCache) Lock(ctx context.Context, duration time.Duration, keys []*geodisk.LockKey) (bool, error) {
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	ordered := append([]*geodisk.LockKey(nil), keys...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	acquired := make([]*geodisk.LockKey, 0, len(ordered))
	for _, lk := range ordered {
		newItem := lockItem{lockID: lk.LockID, expiration: time.Now().Add(duration)}
		val, loaded := c.locks.LoadOrStore(lk.Key, newItem)
		if loaded {
			existing := val.(lockItem)
			if time.Now().After(existing.expiration) && c.locks.CompareAndSwap(lk.Key, existing, newItem) {
				acquired = append(acquired, lk)
				continue
			}
			if existing.lockID == lk.LockID {
				acquired = append(acquired, lk)
				continue
			}
			for _, a := range acquired {
				if v, ok := c.locks.Load(a.Key); ok && v.(lockItem).lockID == a.LockID {
					c.locks.CompareAndDelete(a.Key, v)
				}
			}
			return false, nil
		}
		acquired = append(acquired, lk)
	}
	return true, nil
}

func (c *MemoryCache) IsLocked(ctx context.Context, keys []*geodisk.LockKey) (bool, error) {
	for _, lk := range keys {
		v, ok := c.locks.Load(lk.Key)
		if !ok {
			return false, nil
		}
		it := v.(lockItem)
		if it.lockID != lk.LockID || time.Now().After(it.expiration) {
			return false, nil
		}
	}
	return true, nil
}

func (c *MemoryCache) Unlock(ctx context.Context, keys []*geodisk.LockKey) error {
	for _, lk := range keys {
		if v, ok := c.locks.Load(lk.Key); ok && v.(lockItem).lockID == lk.LockID {
			c.locks.CompareAndDelete(lk.Key, v)
		}
	}
	return nil
}
