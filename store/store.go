// Package store defines the coordination-store contract shared by every
// gateway component.
//
// Handler instances are stateless; the store is the only place where token
// rate-limit records, client quota counters, and dedup locks live. The
// primary implementation is RedisStore (in store/redis), which supports
// standalone Redis, Redis Cluster, and Redis Sentinel via
// redis.UniversalClient.
//
// A MemoryStore (in store/memory) is provided for testing and
// single-process deployments that don't need distributed state.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store abstracts the external key-value store used for cross-instance
// coordination. Implementations must be safe for concurrent use, and every
// operation must be atomic per key: callers never rely on cross-key
// transactions or read-modify-write isolation.
type Store interface {
	// Get returns the string value for key, or ("", ErrKeyNotFound) if not found.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments key by one, returning the new value.
	// Creates the key with value 1 and no TTL if it doesn't exist.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining TTL for a key.
	// Returns -1s if the key has no TTL, -2s if the key doesn't exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrKeyNotFound is returned by Get when the key doesn't exist.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "store: key not found: " + e.Key
}

// IsNotFound reports whether err is an ErrKeyNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}

// GetJSON reads key and unmarshals its value into v.
// Returns ErrKeyNotFound when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// SetJSON marshals v and stores it at key with the given TTL.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, string(raw), ttl)
}
