package twin

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validUpsertEvent() *Event {
	return NewEvent(EntityShell, EventCreated, "urn:example:shell:1", []byte(`{"a":1}`), "etag-1")
}

func TestNewEvent(t *testing.T) {
	t.Run("assigns event ID and timestamp", func(t *testing.T) {
		e := validUpsertEvent()

		_, err := uuid.Parse(e.EventID)
		assert.NoError(t, err)
		assert.Greater(t, e.CreatedAtMs, int64(0))
	})

	t.Run("derives identifier key from identifier", func(t *testing.T) {
		e := NewEvent(EntityDocument, EventUpdated, "urn:example:doc/1", []byte("x"), "e")

		decoded, err := DecodeIdentifier(e.IdentifierKey)
		require.NoError(t, err)
		assert.Equal(t, "urn:example:doc/1", decoded)
	})

	t.Run("distinct events get distinct IDs", func(t *testing.T) {
		a := validUpsertEvent()
		b := validUpsertEvent()
		assert.NotEqual(t, a.EventID, b.EventID)
	})
}

func TestEventValidate(t *testing.T) {
	t.Run("accepts valid created event", func(t *testing.T) {
		assert.NoError(t, validUpsertEvent().Validate())
	})

	t.Run("accepts valid deleted event", func(t *testing.T) {
		e := NewEvent(EntityElement, EventDeleted, "urn:example:elem:1", nil, "")
		assert.NoError(t, e.Validate())
	})

	t.Run("rejects deleted event with payload", func(t *testing.T) {
		e := NewEvent(EntityShell, EventDeleted, "urn:example:shell:1", []byte("x"), "")
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must not carry a payload")
	})

	t.Run("rejects deleted event with etag", func(t *testing.T) {
		e := NewEvent(EntityShell, EventDeleted, "urn:example:shell:1", nil, "stale")
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must not carry an etag")
	})

	t.Run("rejects upsert event without payload", func(t *testing.T) {
		e := NewEvent(EntityShell, EventUpdated, "urn:example:shell:1", nil, "e")
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must carry a payload")
	})

	t.Run("rejects upsert event without etag", func(t *testing.T) {
		e := NewEvent(EntityShell, EventCreated, "urn:example:shell:1", []byte("x"), "")
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must carry an etag")
	})

	t.Run("rejects invalid event ID", func(t *testing.T) {
		e := validUpsertEvent()
		e.EventID = "not-a-uuid"
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid event ID")
	})

	t.Run("rejects empty identifier", func(t *testing.T) {
		e := validUpsertEvent()
		e.Identifier = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects unknown entity kind", func(t *testing.T) {
		e := validUpsertEvent()
		e.Entity = EntityKind("gadget")
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown entity kind")
	})

	t.Run("rejects unknown event kind", func(t *testing.T) {
		e := validUpsertEvent()
		e.Kind = EventKind("renamed")
		err := e.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown event kind")
	})
}

func TestIdentifierEncoding(t *testing.T) {
	t.Run("round trips identifiers with unsafe characters", func(t *testing.T) {
		identifiers := []string{
			"urn:example:shell:1",
			"https://example.com/ids/1/2?rev=3",
			"plain",
		}

		for _, id := range identifiers {
			key := EncodeIdentifier(id)
			assert.NotContains(t, key, "/")
			assert.NotContains(t, key, ":")

			decoded, err := DecodeIdentifier(key)
			require.NoError(t, err)
			assert.Equal(t, id, decoded)
		}
	})

	t.Run("rejects malformed key", func(t *testing.T) {
		_, err := DecodeIdentifier("%%%")
		assert.Error(t, err)
	})
}

func TestInvalidationMessageValidate(t *testing.T) {
	valid := func() *InvalidationMessage {
		return &InvalidationMessage{
			Entity:   EntityShell,
			CacheKey: CacheKey("prod", EntityShell, EncodeIdentifier("urn:example:shell:1")),
			Origin:   "writer-1",
			Reason:   InvalidationUpsert,
		}
	}

	t.Run("accepts valid message", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects empty cache key", func(t *testing.T) {
		m := valid()
		m.CacheKey = ""
		assert.Error(t, m.Validate())
	})

	t.Run("rejects empty origin", func(t *testing.T) {
		m := valid()
		m.Origin = ""
		assert.Error(t, m.Validate())
	})

	t.Run("rejects unknown reason", func(t *testing.T) {
		m := valid()
		m.Reason = InvalidationReason("vibes")
		err := m.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown invalidation reason")
	})
}
