// Package store provides the Redis-backed implementations of the pipeline's
// storage collaborators: the durable document repository, the shared
// read-through cache, the per-process near cache and the outbound
// notification publisher. All operations are idempotent full-record
// replacements so the writer may safely reapply a redelivered event.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/twin"
)

// Document is the durable record of a twin document as held by the
// repository. Payload is the canonical byte representation of the full
// current document.
type Document struct {
	Identifier  string          `json:"identifier"`
	Entity      twin.EntityKind `json:"entity"`
	Payload     []byte          `json:"payload"`
	ETag        string          `json:"etag"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// RedisRepository is the durable document store. Documents are stored as
// Redis hashes at drey:{instance}:doc:{entity}:{identifier_key}. The
// repository is the source of truth: cache state is always re-derivable
// from it.
type RedisRepository struct {
	rdb          *redis.Client
	instanceName string
}

// NewRedisRepository creates a repository for the given instance.
func NewRedisRepository(rdb *redis.Client, instanceName string) (*RedisRepository, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisRepository{rdb: rdb, instanceName: instanceName}, nil
}

// Upsert writes the event's full document, replacing any previous revision.
// Idempotent: reapplying the same event yields the same stored state.
func (r *RedisRepository) Upsert(ctx context.Context, event *twin.Event) error {
	key := twin.DocumentKey(r.instanceName, event.Entity, event.IdentifierKey)
	if err := r.rdb.HSet(ctx, key, upsertFields(event)).Err(); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// Delete removes the event's document. Deleting a missing document is a
// no-op, keeping redelivered deletes idempotent.
func (r *RedisRepository) Delete(ctx context.Context, event *twin.Event) error {
	key := twin.DocumentKey(r.instanceName, event.Entity, event.IdentifierKey)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// ApplyBatch applies a micro-batch of events in one pipelined round trip.
// Events are applied in slice order, so a later event for the same
// identifier overwrites an earlier one (last-write-wins).
func (r *RedisRepository) ApplyBatch(ctx context.Context, events []*twin.Event) error {
	if len(events) == 0 {
		return nil
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, event := range events {
			key := twin.DocumentKey(r.instanceName, event.Entity, event.IdentifierKey)
			if event.Kind == twin.EventDeleted {
				pipe.Del(ctx, key)
			} else {
				pipe.HSet(ctx, key, upsertFields(event))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply batch of %d events: %w", len(events), err)
	}
	return nil
}

// Get retrieves a document by entity kind and identifier key.
// Returns (nil, redis.Nil) if the document doesn't exist; use IsNotFound.
func (r *RedisRepository) Get(ctx context.Context, entity twin.EntityKind, identifierKey string) (*Document, error) {
	key := twin.DocumentKey(r.instanceName, entity, identifierKey)

	hash, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hash) == 0 {
		return nil, redis.Nil
	}

	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Document{
		Identifier:  hash["identifier"],
		Entity:      entity,
		Payload:     []byte(hash["payload"]),
		ETag:        hash["etag"],
		UpdatedAtMs: updatedAtMs,
	}, nil
}

// upsertFields maps an event onto the document hash (full replacement).
func upsertFields(event *twin.Event) map[string]interface{} {
	return map[string]interface{}{
		"identifier":    event.Identifier,
		"payload":       string(event.Payload),
		"etag":          event.ETag,
		"updated_at_ms": time.Now().UnixMilli(),
	}
}

// IsNotFound returns true if the error is a Redis "key not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
