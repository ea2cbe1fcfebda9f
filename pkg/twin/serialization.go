package twin

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis stream
// entries.
//
// Redis streams store entries as string-to-string maps. The binary payload
// is base64-encoded into a single field; scalar fields map directly. This
// keeps entries inspectable with XRANGE while surviving arbitrary document
// bytes.

// EventToStreamValues converts an Event to Redis stream entry values.
// The payload is base64-encoded (standard encoding, padded).
func EventToStreamValues(e *Event) map[string]interface{} {
	return map[string]interface{}{
		"event_id":       e.EventID,
		"entity":         string(e.Entity),
		"kind":           string(e.Kind),
		"identifier":     e.Identifier,
		"identifier_key": e.IdentifierKey,
		"payload":        base64.StdEncoding.EncodeToString(e.Payload),
		"etag":           e.ETag,
		"created_at_ms":  strconv.FormatInt(e.CreatedAtMs, 10),
	}
}

// StreamValuesToEvent converts Redis stream entry values back to an Event.
// Values arrive from go-redis as map[string]interface{} with string values.
func StreamValuesToEvent(values map[string]interface{}) (*Event, error) {
	str := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	payloadB64 := str("payload")
	var payload []byte
	if payloadB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(payloadB64)
		if err != nil {
			return nil, fmt.Errorf("invalid payload field: %w", err)
		}
		payload = decoded
	}

	createdAtMs, err := strconv.ParseInt(str("created_at_ms"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	event := &Event{
		EventID:       str("event_id"),
		Entity:        EntityKind(str("entity")),
		Kind:          EventKind(str("kind")),
		Identifier:    str("identifier"),
		IdentifierKey: str("identifier_key"),
		Payload:       payload,
		ETag:          str("etag"),
		CreatedAtMs:   createdAtMs,
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("malformed event in stream: %w", err)
	}

	return event, nil
}
