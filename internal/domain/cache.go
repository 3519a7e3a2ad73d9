package domain

import (
	"context"
	"time"
)

// Cache memoizes evaluation results. Evaluation is deterministic, so a hit
// is always equal to a fresh evaluation under the same configuration.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string `yaml:"type"`

	// ResultTTL bounds how long a memoized result is served
	ResultTTL time.Duration `yaml:"result_ttl"`

	// Local LRU cache settings
	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	// Redis settings
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// EnableTwoPhase checks the local LRU first, then Redis
	EnableTwoPhase bool `yaml:"two_phase"`
}
