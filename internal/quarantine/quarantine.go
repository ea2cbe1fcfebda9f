// Package quarantine holds events whose side effects exhausted their
// retries. Quarantined events are never silently dropped: they sit in a
// Redis list where operators can inspect them and replay them through the
// bus once the underlying fault is fixed.
package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/twin"
)

// Record is one quarantined event with the failure that put it there.
type Record struct {
	Event      *twin.Event `json:"event"`
	Reason     string      `json:"reason"`
	FailedAtMs int64       `json:"failed_at_ms"`
}

// Publisher republishes a replayed event. Satisfied by any bus backend.
type Publisher interface {
	Publish(ctx context.Context, event *twin.Event) error
}

// Store is the Redis-backed quarantine list for one instance.
type Store struct {
	rdb          *redis.Client
	instanceName string
}

// NewStore creates a quarantine store.
func NewStore(rdb *redis.Client, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Store{rdb: rdb, instanceName: instanceName}, nil
}

// Add appends an event to the quarantine list.
func (s *Store) Add(ctx context.Context, event *twin.Event, reason string) error {
	record := Record{
		Event:      event,
		Reason:     reason,
		FailedAtMs: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine record: %w", err)
	}

	key := twin.QuarantineKey(s.instanceName)
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append quarantine record: %w", err)
	}
	return nil
}

// List returns up to limit quarantined records, oldest first.
// A limit of 0 returns all records.
func (s *Store) List(ctx context.Context, limit int64) ([]Record, error) {
	key := twin.QuarantineKey(s.instanceName)

	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}

	raw, err := s.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantine list: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var record Record
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quarantine record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Count reports the number of quarantined events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, twin.QuarantineKey(s.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count quarantine records: %w", err)
	}
	return n, nil
}

// Replay republishes quarantined events through the bus, oldest first, and
// removes each from the list once its publish succeeds. Stops at the first
// publish failure, leaving the remaining records in place. Returns the
// number of events replayed.
func (s *Store) Replay(ctx context.Context, publisher Publisher) (int, error) {
	key := twin.QuarantineKey(s.instanceName)
	replayed := 0

	for {
		item, err := s.rdb.LPop(ctx, key).Result()
		if err == redis.Nil {
			return replayed, nil
		}
		if err != nil {
			return replayed, fmt.Errorf("failed to pop quarantine record: %w", err)
		}

		var record Record
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			// A record we cannot decode cannot be replayed; put it back at
			// the tail and stop rather than dropping it.
			s.rdb.RPush(ctx, key, item)
			return replayed, fmt.Errorf("failed to unmarshal quarantine record: %w", err)
		}

		if err := publisher.Publish(ctx, record.Event); err != nil {
			s.rdb.LPush(ctx, key, item)
			return replayed, fmt.Errorf("failed to republish event %s: %w", record.Event.EventID, err)
		}
		replayed++
	}
}

// Clear removes all quarantined records.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, twin.QuarantineKey(s.instanceName)).Err(); err != nil {
		return fmt.Errorf("failed to clear quarantine: %w", err)
	}
	return nil
}
