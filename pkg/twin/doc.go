// Package twin provides type-safe Go definitions and Redis schema patterns
// for the drey write-consistency pipeline.
//
// # Overview
//
// Drey is a digital-twin document repository. Every mutation of a twin
// document (create, update, delete) is expressed as an immutable Event that
// flows through an event bus to a single sequential writer, which applies
// the durable repository write, the cache update, and the cross-instance
// cache invalidation broadcast in a fixed order.
//
// # Core Concepts
//
// Events are immutable change records tagged with the entity kind they
// affect (Shell, Document, Element, Concept). An event carries the full
// canonical payload of the document, never a delta, so applying the same
// event twice converges to the same state (idempotent overwrite semantics).
//
// InvalidationMessages are transient notices published after a writer has
// applied an event's cache side effect. Every process holding a near cache
// for the same instance evicts the named entry when it observes one.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so
// multiple drey instances can safely coexist on a single Redis server.
// Processes of one instance share the same namespace; the invalidation
// channel is the coherence mechanism between their near caches.
//
// # Redis Schema
//
// Documents:     drey:{instance}:doc:{entity}:{identifier_key}
// Cache entries: drey:{instance}:cache:{entity}:{identifier_key}
// Event stream:  drey:{instance}:events
// Quarantine:    drey:{instance}:quarantine
//
// Pub/Sub channels:
//
// Invalidation:  drey:{instance}:invalidation
// Notifications: drey:{instance}:notify:{entity}
//
// # Design Principles
//
// - Type Safety: all data structures have strong typing with validation methods
// - Immutability: events are never mutated after construction
// - Idempotency: every event is a full-document overwrite, safe to reapply
// - Isolation: instance namespacing prevents cross-instance interference
package twin
