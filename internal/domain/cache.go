package domain

import (
	"context"
	"time"
)

// Cache is the caching boundary used for customer-context snapshots and
// velocity counters. Supports a local LRU (community tier), Redis (pro
// tier), or the two combined.
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// GetContext retrieves a cached customer-context snapshot.
	// Returns nil, nil on a miss.
	GetContext(ctx context.Context, customerID string) (*CustomerContext, error)

	// SetContext caches a customer-context snapshot.
	SetContext(ctx context.Context, customerID string, cc *CustomerContext, ttl time.Duration) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Used for velocity tracking.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCounter reads a windowed counter without incrementing it.
	// Absent or expired counters read as zero.
	GetCounter(ctx context.Context, key string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local cache first, then Redis.
	EnableTwoPhase bool
}
