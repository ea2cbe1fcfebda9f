package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/twin"
)

// CacheEntry is the value held by the shared cache and the near cache.
type CacheEntry struct {
	Payload    []byte `json:"payload"`
	ETag       string `json:"etag"`
	CachedAtMs int64  `json:"cached_at_ms"`
}

// RedisCache is the shared read-through cache backing sub-10ms reads.
// Entries live at drey:{instance}:cache:{entity}:{identifier_key} as JSON
// strings with a TTL; the TTL bounds staleness after any partial failure,
// since the repository remains the source of truth.
type RedisCache struct {
	rdb          *redis.Client
	instanceName string
	ttl          time.Duration
}

// NewRedisCache creates a shared cache with the given entry TTL.
func NewRedisCache(rdb *redis.Client, instanceName string, ttl time.Duration) (*RedisCache, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %v", ttl)
	}
	return &RedisCache{rdb: rdb, instanceName: instanceName, ttl: ttl}, nil
}

// Set stores the event's payload and etag under the entry TTL.
// Idempotent: re-setting the same entry is harmless.
func (c *RedisCache) Set(ctx context.Context, event *twin.Event) error {
	entry := CacheEntry{
		Payload:    event.Payload,
		ETag:       event.ETag,
		CachedAtMs: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	key := twin.CacheKey(c.instanceName, event.Entity, event.IdentifierKey)
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete evicts the event's cache entry. Evicting a missing entry is a
// no-op.
func (c *RedisCache) Delete(ctx context.Context, event *twin.Event) error {
	key := twin.CacheKey(c.instanceName, event.Entity, event.IdentifierKey)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Get retrieves a cache entry. Returns (nil, redis.Nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, entity twin.EntityKind, identifierKey string) (*CacheEntry, error) {
	key := twin.CacheKey(c.instanceName, entity, identifierKey)

	data, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

// TTL returns the configured entry TTL.
func (c *RedisCache) TTL() time.Duration {
	return c.ttl
}
