package geodisk

import (
	"context"
	"time"
)

// LockKey names a resource to be locked via a Cache implementation. LockID distinguishes
// the particular holder that acquired the lock, so a caller can detect a lock it no longer
// owns (e.g. after a TTL expiry and re-acquisition by someone else).
type LockKey struct {
	Key    string
	LockID UUID
}

// Cache is the minimal coordination surface the geosched durable config store builds on: a key/value store with TTLs plus a distributed-lock API, modeled on the
// teacher repo's cache.Cache + lock-capable L2 cache. Implementations: an in-memory
// sharded map for tests/single-process use, and a Redis-backed one for multi-process use.
type Cache interface {
	// Set stores value under key with the given expiration (0 means no expiration).
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get fetches the value stored under key; ok is false if the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error

	// CreateLockKeys allocates LockKeys (each with a fresh LockID) for the given names.
	CreateLockKeys(names []string) []*LockKey
	// Lock attempts to acquire all given lock keys atomically, held for duration.
	Lock(ctx context.Context, duration time.Duration, keys []*LockKey) (bool, error)
	// IsLocked reports whether all given lock keys are currently held by their LockID.
	IsLocked(ctx context.Context, keys []*LockKey) (bool, error)
	// Unlock releases the given lock keys if still held by their LockID.
	Unlock(ctx context.Context, keys []*LockKey) error
}
