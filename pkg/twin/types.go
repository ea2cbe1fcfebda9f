package twin

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityKind tags an event with the kind of twin entity it affects.
// The pipeline treats all kinds uniformly; the tag selects key namespaces
// and lets subscribers filter.
type EntityKind string

const (
	// EntityShell represents an asset administration shell document
	EntityShell EntityKind = "shell"

	// EntityDocument represents a submodel document
	EntityDocument EntityKind = "document"

	// EntityElement represents a submodel element document
	EntityElement EntityKind = "element"

	// EntityConcept represents a concept description document
	EntityConcept EntityKind = "concept"
)

// EventKind defines the mutation a change event describes.
type EventKind string

const (
	// EventCreated indicates the document did not previously exist
	EventCreated EventKind = "created"

	// EventUpdated indicates the document was replaced with a new revision
	EventUpdated EventKind = "updated"

	// EventDeleted indicates the document was removed
	EventDeleted EventKind = "deleted"
)

// Event is an immutable record of a single document change.
// Events are produced once by a write handler (which has already validated
// and canonicalized the payload) and consumed exactly once per consumer
// group by a writer. The payload is always the full current document, never
// a delta, so reapplying an event is harmless.
type Event struct {
	EventID       string     `json:"event_id"`       // UUID - globally unique, assigned at creation
	Entity        EntityKind `json:"entity"`         // Kind of twin entity this event affects
	Kind          EventKind  `json:"kind"`           // created, updated or deleted
	Identifier    string     `json:"identifier"`     // Logical document identifier (e.g. an IRI)
	IdentifierKey string     `json:"identifier_key"` // Lookup-safe encoding of Identifier
	Payload       []byte     `json:"payload,omitempty"` // Canonical document bytes; empty iff Kind == deleted
	ETag          string     `json:"etag,omitempty"`    // Content fingerprint of Payload; empty iff Kind == deleted
	CreatedAtMs   int64      `json:"created_at_ms"`     // Unix timestamp in milliseconds when the event was created
}

// InvalidationReason explains why a cache entry is being invalidated.
type InvalidationReason string

const (
	// InvalidationUpsert means the entry was refreshed by a create or update
	InvalidationUpsert InvalidationReason = "upsert"

	// InvalidationDelete means the entry was removed by a delete
	InvalidationDelete InvalidationReason = "delete"
)

// InvalidationMessage is the transient notice broadcast after a writer has
// applied an event's cache side effect. Every other process of the instance
// evicts the named entry from its near cache. Processing the same message
// twice is a no-op, so at-least-once delivery needs no deduplication.
type InvalidationMessage struct {
	Entity   EntityKind         `json:"entity"`   // Kind of twin entity the entry holds
	CacheKey string             `json:"cache_key"` // Full Redis key of the shared cache entry
	Origin   string             `json:"origin"`    // Process identifier that produced the message
	Reason   InvalidationReason `json:"reason"`    // Why the entry changed
}

// NewEvent constructs a change event with a fresh event ID and timestamp.
// The identifier key is derived from the identifier. The caller supplies a
// fully validated canonical payload; for deleted events payload and etag
// must be empty.
func NewEvent(entity EntityKind, kind EventKind, identifier string, payload []byte, etag string) *Event {
	return &Event{
		EventID:       uuid.New().String(),
		Entity:        entity,
		Kind:          kind,
		Identifier:    identifier,
		IdentifierKey: EncodeIdentifier(identifier),
		Payload:       payload,
		ETag:          etag,
		CreatedAtMs:   time.Now().UnixMilli(),
	}
}

// EncodeIdentifier converts a logical identifier (typically an IRI) into a
// lookup-safe token usable inside Redis keys and URLs. Uses unpadded
// URL-safe base64.
func EncodeIdentifier(identifier string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identifier))
}

// DecodeIdentifier reverses EncodeIdentifier.
func DecodeIdentifier(key string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("invalid identifier key: %w", err)
	}
	return string(raw), nil
}

// Validate checks if the Event has valid field values.
// Enforces the payload invariant: payload and etag are present if and only
// if the event is not a delete.
func (e *Event) Validate() error {
	if !isValidUUID(e.EventID) {
		return fmt.Errorf("invalid event ID: not a valid UUID")
	}

	if err := e.Entity.Validate(); err != nil {
		return fmt.Errorf("invalid entity kind: %w", err)
	}

	if err := e.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid event kind: %w", err)
	}

	if e.Identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if e.IdentifierKey == "" {
		return fmt.Errorf("identifier key cannot be empty")
	}

	if e.Kind == EventDeleted {
		if len(e.Payload) != 0 {
			return fmt.Errorf("deleted event must not carry a payload")
		}
		if e.ETag != "" {
			return fmt.Errorf("deleted event must not carry an etag")
		}
		return nil
	}

	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event must carry a payload", e.Kind)
	}

	if e.ETag == "" {
		return fmt.Errorf("%s event must carry an etag", e.Kind)
	}

	return nil
}

// Validate checks if the EntityKind is a valid enum value.
func (ek EntityKind) Validate() error {
	switch ek {
	case EntityShell, EntityDocument, EntityElement, EntityConcept:
		return nil
	default:
		return fmt.Errorf("unknown entity kind: %q", ek)
	}
}

// Validate checks if the EventKind is a valid enum value.
func (k EventKind) Validate() error {
	switch k {
	case EventCreated, EventUpdated, EventDeleted:
		return nil
	default:
		return fmt.Errorf("unknown event kind: %q", k)
	}
}

// Validate checks if the InvalidationReason is a valid enum value.
func (r InvalidationReason) Validate() error {
	switch r {
	case InvalidationUpsert, InvalidationDelete:
		return nil
	default:
		return fmt.Errorf("unknown invalidation reason: %q", r)
	}
}

// Validate checks if the InvalidationMessage has valid field values.
func (m *InvalidationMessage) Validate() error {
	if err := m.Entity.Validate(); err != nil {
		return fmt.Errorf("invalid entity kind: %w", err)
	}

	if m.CacheKey == "" {
		return fmt.Errorf("cache key cannot be empty")
	}

	if m.Origin == "" {
		return fmt.Errorf("origin cannot be empty")
	}

	if err := m.Reason.Validate(); err != nil {
		return fmt.Errorf("invalid reason: %w", err)
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
