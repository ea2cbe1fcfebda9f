// Package invalidation keeps the near caches of all processes in one drey
// instance coherent. After a writer applies an event's cache side effect it
// broadcasts an InvalidationMessage on a shared Pub/Sub channel; every
// process runs an Invalidator that evicts the named entry from its near
// cache. Messages are idempotent by construction, so at-least-once delivery
// needs no deduplication and no origin loop-prevention is required for
// correctness.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/internal/store"
	"github.com/dyluth/drey/pkg/twin"
)

// Broadcaster publishes cache invalidation messages for one instance.
// When constructed with a near cache it applies the eviction locally before
// publishing, so the producing process never waits for its own message to
// make the round trip.
type Broadcaster struct {
	rdb          *redis.Client
	instanceName string
	origin       string
	near         *store.NearCache
}

// NewBroadcaster creates a broadcaster. Origin identifies this process in
// outgoing messages; near is optional.
func NewBroadcaster(rdb *redis.Client, instanceName, origin string, near *store.NearCache) (*Broadcaster, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	return &Broadcaster{
		rdb:          rdb,
		instanceName: instanceName,
		origin:       origin,
		near:         near,
	}, nil
}

// Broadcast evicts the event's entry from the local near cache (short
// circuit) and publishes the invalidation message to all processes of the
// instance.
func (b *Broadcaster) Broadcast(ctx context.Context, event *twin.Event, reason twin.InvalidationReason) error {
	msg := &twin.InvalidationMessage{
		Entity:   event.Entity,
		CacheKey: twin.CacheKey(b.instanceName, event.Entity, event.IdentifierKey),
		Origin:   b.origin,
		Reason:   reason,
	}

	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid invalidation message: %w", err)
	}

	if b.near != nil {
		b.near.Evict(msg.CacheKey)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation message: %w", err)
	}

	channel := twin.InvalidationChannel(b.instanceName)
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation message: %w", err)
	}

	return nil
}
