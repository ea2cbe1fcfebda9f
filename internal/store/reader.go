package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/twin"
)

// Reader is the read path: near cache, then shared cache, then repository.
// The shared cache is populated by the write path (cache-aside); the reader
// only fills its own near cache on the way back.
type Reader struct {
	repository *RedisRepository
	cache      *RedisCache
	near       *NearCache
}

// NewReader creates a read-through reader. The near cache is optional.
func NewReader(repository *RedisRepository, cache *RedisCache, near *NearCache) *Reader {
	return &Reader{repository: repository, cache: cache, near: near}
}

// Get returns the current payload and etag for a document.
// Returns (nil, redis.Nil) if the document doesn't exist anywhere.
func (r *Reader) Get(ctx context.Context, entity twin.EntityKind, identifier string) (*CacheEntry, error) {
	identifierKey := twin.EncodeIdentifier(identifier)
	nearKey := twin.CacheKey(r.cache.instanceName, entity, identifierKey)

	if r.near != nil {
		if entry, ok := r.near.Get(nearKey); ok {
			return entry, nil
		}
	}

	entry, err := r.cache.Get(ctx, entity, identifierKey)
	if err == nil {
		if r.near != nil {
			r.near.Put(nearKey, *entry)
		}
		return entry, nil
	}
	if err != redis.Nil {
		return nil, err
	}

	doc, err := r.repository.Get(ctx, entity, identifierKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read through to repository: %w", err)
	}

	entry = &CacheEntry{
		Payload:    doc.Payload,
		ETag:       doc.ETag,
		CachedAtMs: time.Now().UnixMilli(),
	}
	if r.near != nil {
		r.near.Put(nearKey, *entry)
	}
	return entry, nil
}
