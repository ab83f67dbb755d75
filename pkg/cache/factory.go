package cache

import (
	"fmt"
)

// NewCache creates a cache instance based on the configuration
func NewCache(config *Config) (Cache, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryCache(), nil

	case "redis":
		if config.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache requires redis_addr")
		}
		return NewRedisCache(config), nil

	default:
		return nil, fmt.Errorf("unknown cache type: %s", config.Type)
	}
}
