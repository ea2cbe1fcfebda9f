package twin

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple drey instances to safely coexist on a single Redis server.
//
// Key pattern: drey:{instance_name}:{entity}:{identifier_key}
// Channel pattern: drey:{instance_name}:{channel_purpose}

// DocumentKey returns the Redis key for a durable document record.
// Pattern: drey:{instance_name}:doc:{entity}:{identifier_key}
func DocumentKey(instanceName string, entity EntityKind, identifierKey string) string {
	return fmt.Sprintf("drey:%s:doc:%s:%s", instanceName, entity, identifierKey)
}

// CacheKey returns the Redis key for a shared cache entry.
// Pattern: drey:{instance_name}:cache:{entity}:{identifier_key}
func CacheKey(instanceName string, entity EntityKind, identifierKey string) string {
	return fmt.Sprintf("drey:%s:cache:%s:%s", instanceName, entity, identifierKey)
}

// EventStream returns the Redis stream key for the durable event log.
// Pattern: drey:{instance_name}:events
func EventStream(instanceName string) string {
	return fmt.Sprintf("drey:%s:events", instanceName)
}

// InvalidationChannel returns the Pub/Sub channel carrying cache
// invalidation messages between processes of one instance.
// Pattern: drey:{instance_name}:invalidation
func InvalidationChannel(instanceName string) string {
	return fmt.Sprintf("drey:%s:invalidation", instanceName)
}

// NotificationChannel returns the Pub/Sub channel for external subscribers
// interested in document changes of one entity kind.
// Pattern: drey:{instance_name}:notify:{entity}
func NotificationChannel(instanceName string, entity EntityKind) string {
	return fmt.Sprintf("drey:%s:notify:%s", instanceName, entity)
}

// QuarantineKey returns the Redis key of the quarantine list holding events
// whose side effects exhausted their retries.
// Pattern: drey:{instance_name}:quarantine
func QuarantineKey(instanceName string) string {
	return fmt.Sprintf("drey:%s:quarantine", instanceName)
}
