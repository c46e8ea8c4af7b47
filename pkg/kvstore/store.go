package kvstore

import (
	"context"
	"time"
)

// Store is the key-value backend used by the cache layer. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the raw value for key. The second return is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value under key. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteByPattern removes every key matching the glob pattern and
	// returns the number of keys removed.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)

	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
