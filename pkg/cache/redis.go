package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements the Cache interface on a shared Redis connection.
// The client reconnects on its own for most failures; persistent errors are
// reported to a ReconnectPolicy which decides when to replace the client
// outright.
type RedisCache struct {
	opts   *redis.Options
	policy *ReconnectPolicy

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisCache connects to Redis using the given cache config
func NewRedisCache(config *Config) *RedisCache {
	opts := &redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	}
	log.Printf("Connecting to Redis at %s", opts.Addr)
	return &RedisCache{
		opts:   opts,
		policy: NewReconnectPolicy(0, 0),
		client: redis.NewClient(opts),
	}
}

// Set stores a value with the given TTL
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.getClient().Set(ctx, key, value, ttl).Err(); err != nil {
		return r.connectionError("set", key, err)
	}
	return nil
}

// Get retrieves a value. A missing key is reported as found=false, not an error.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.getClient().Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, r.connectionError("get", key, err)
	}
	return value, true, nil
}

// Delete removes an entry
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.getClient().Del(ctx, key).Err(); err != nil {
		return r.connectionError("del", key, err)
	}
	return nil
}

// Close closes the underlying client
func (r *RedisCache) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client.Close()
}

func (r *RedisCache) getClient() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// connectionError reports the failure to the reconnect policy and replaces
// the client when the policy confirms the connection is wedged.
func (r *RedisCache) connectionError(op, key string, err error) error {
	log.Printf("Redis %s error for %s: %v", op, key, err)

	if r.policy.ReportError(time.Now()) {
		log.Printf("Redis errors persisted, reconnecting")
		r.mu.Lock()
		old := r.client
		r.client = redis.NewClient(r.opts)
		r.mu.Unlock()
		if closeErr := old.Close(); closeErr != nil {
			log.Printf("Error closing old Redis client: %v", closeErr)
		}
	}

	return fmt.Errorf("%w: redis %s %s: %v", ErrUnavailable, op, key, err)
}
