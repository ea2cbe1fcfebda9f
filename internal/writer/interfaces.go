// Package writer implements the single-writer side of the pipeline: the
// sequential consumer that drains the event bus and applies each event's
// side effects in a fixed order (durable repository write, cache update,
// invalidation broadcast, external notification). A micro-batching variant
// trades repository write latency for throughput, and a Router partitions
// identifiers across multiple bus/writer pairs for horizontal scaling
// without giving up per-identifier ordering.
package writer

import (
	"context"

	"github.com/dyluth/drey/pkg/twin"
)

// Repository is the durable document store consumed by the sequential
// writer. Both operations must be idempotent: the bus delivers at least
// once, and the writer keeps no dedup table.
type Repository interface {
	Upsert(ctx context.Context, event *twin.Event) error
	Delete(ctx context.Context, event *twin.Event) error
}

// BatchRepository is the durable store consumed by the micro-batching
// writer. ApplyBatch applies events in slice order as one unit.
type BatchRepository interface {
	ApplyBatch(ctx context.Context, events []*twin.Event) error
}

// Cache is the shared read-through cache. Both operations must be
// idempotent.
type Cache interface {
	Set(ctx context.Context, event *twin.Event) error
	Delete(ctx context.Context, event *twin.Event) error
}

// Broadcaster fans an event's cache invalidation out to all processes of
// the instance.
type Broadcaster interface {
	Broadcast(ctx context.Context, event *twin.Event, reason twin.InvalidationReason) error
}

// Notifier publishes document changes to external subscribers. Best
// effort: failures are logged, never retried, and never block consistency.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Quarantine receives events whose side effects exhausted their retries,
// keeping failures observable instead of silently dropped.
type Quarantine interface {
	Add(ctx context.Context, event *twin.Event, reason string) error
}

// Consumer is the lifecycle shared by both writer variants, used by the
// Router and the pipeline assembly.
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Drain(ctx context.Context) error
}
