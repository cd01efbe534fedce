// Package store defines the storage backend contract shared by the tiered
// cache, the throttle, and the lockout tracker. Two implementations exist: a
// distributed valkey-backed store and a bounded in-process store. Callers
// bound every operation with a context deadline; a deadline expiry or
// connection failure surfaces as ErrUnavailable so the resilience layer can
// fall back or fail open.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks timeouts and connection failures. It is always
// recoverable: the tiered cache falls back to the local store and the
// throttle fails open.
var ErrUnavailable = errors.New("store: backend unavailable")

// Store is the minimal surface the resilience layer needs from a backend.
type Store interface {
	// Get returns the stored value, or ok=false when the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetWithTTL stores value under key for the given lifetime. A ttl <= 0 is
	// rejected by callers before reaching the store.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds one to the counter at key and returns the new
	// value. When the increment creates the counter, ttl bounds its lifetime;
	// existing counters keep their original expiry.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL reports the remaining lifetime of key, or ok=false when the key
	// does not exist.
	TTL(ctx context.Context, key string) (remaining time.Duration, ok bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
