package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the cache backend could not be reached. Callers
// should treat the operation as failed for this call only; the backend owns
// its own reconnect policy.
var ErrUnavailable = errors.New("cache unavailable")

// Cache is a key/value store with per-entry TTL. Values are opaque bytes;
// callers are expected to JSON-encode structured data.
type Cache interface {
	// Set stores value under key. A zero ttl means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves the value for key. The second return is false when the
	// key is absent or expired; that is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes the entry for key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Config holds configuration for cache backends
type Config struct {
	Type string `json:"type"` // "memory" or "redis"

	// Redis backend config
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}
