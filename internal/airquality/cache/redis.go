package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// DefaultKeyPrefix namespaces reading keys in Redis.
const DefaultKeyPrefix = "aq:reading:"

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	// Client is the Redis client (required).
	Client redis.UniversalClient

	// TTL is how long readings stay fresh (default: 300s).
	TTL time.Duration

	// KeyPrefix namespaces keys (default: "aq:reading:").
	KeyPrefix string
}

// Redis is a Store shared between processes.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig) *Redis {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Redis{
		client: cfg.Client,
		ttl:    ttl,
		prefix: prefix,
	}
}

// Get returns the fresh reading for key.
func (r *Redis) Get(ctx context.Context, key location.Key) (*airquality.Reading, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var reading airquality.Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		return nil, false, fmt.Errorf("decoding cached reading: %w", err)
	}

	// Redis expiry is set from our clock; recheck in case a writer's clock drifted.
	if NewEntry(key, &reading, r.ttl).Expired(time.Now()) {
		return nil, false, nil
	}

	return &reading, true, nil
}

// Put stores reading under key with an expiry of FetchedAt+TTL.
// Readings that are already stale are not stored.
func (r *Redis) Put(ctx context.Context, key location.Key, reading *airquality.Reading) error {
	ttl := time.Until(NewEntry(key, reading, r.ttl).ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encoding reading: %w", err)
	}

	if err := r.client.Set(ctx, r.prefix+key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
