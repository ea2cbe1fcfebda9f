package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/twin"
)

// StreamBusOptions configures the durable Redis stream backend.
type StreamBusOptions struct {
	Group    string        // Consumer group name (required)
	Consumer string        // This process's consumer name within the group (required)
	MaxLen   int64         // Approximate stream length cap, 0 = unlimited
	Block    time.Duration // Read block duration; bounds shutdown latency
	Count    int64         // Max entries fetched per read
}

// StreamBus is the durable event bus backed by a Redis stream.
//
// Publish appends to the stream and returns once Redis has acknowledged the
// append, so accepted events survive process restarts. Consumption uses a
// consumer group: entries delivered to this consumer but not acknowledged
// (crash mid-processing) sit in the pending entries list and are reprocessed
// first on the next Start, giving at-least-once delivery. All writer side
// effects are idempotent full-document overwrites, so redelivery converges.
//
// With multiple consumers in one group, ordering holds only within the
// entries a single consumer processes. Deployments that need strict
// per-identifier ordering at scale partition identifiers across writer
// pairs instead of adding group members (see the writer package's Router).
type StreamBus struct {
	rdb          *redis.Client
	instanceName string
	stream       string
	opts         StreamBusOptions
	handler      Handler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	fatal   chan error
}

// NewStreamBus creates a durable bus for the given instance.
func NewStreamBus(rdb *redis.Client, instanceName string, opts StreamBusOptions) (*StreamBus, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer group cannot be empty")
	}
	if opts.Consumer == "" {
		return nil, fmt.Errorf("consumer name cannot be empty")
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}

	return &StreamBus{
		rdb:          rdb,
		instanceName: instanceName,
		stream:       twin.EventStream(instanceName),
		opts:         opts,
		done:         make(chan struct{}),
		fatal:        make(chan error, 1),
	}, nil
}

// Publish appends the event to the stream. Returns after Redis acknowledges
// the append (durable before ack). The stream is trimmed approximately to
// MaxLen when configured.
func (b *StreamBus) Publish(ctx context.Context, event *twin.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: twin.EventToStreamValues(event),
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}

	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append event to stream: %w", err)
	}

	return nil
}

// Subscribe registers the consuming handler. Must be called before Start.
func (b *StreamBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Start creates the consumer group if needed and launches the consume loop.
// The loop first reprocesses this consumer's pending entries (redelivery
// after a crash), then tails new entries.
func (b *StreamBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handler == nil {
		return ErrNoHandler
	}
	if b.started {
		return ErrAlreadyStarted
	}

	// Create group at the start of the stream so pre-existing entries are
	// delivered too. BUSYGROUP means the group already exists.
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.started = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.consume(runCtx)
	return nil
}

// consume reads entries one batch at a time and dispatches them in order.
// readID "0" replays this consumer's pending entries list; once that is
// empty the loop switches to ">" for new deliveries.
func (b *StreamBus) consume(ctx context.Context) {
	defer close(b.done)

	readID := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		args := &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{b.stream, readID},
			Count:    b.opts.Count,
		}
		if readID == ">" {
			args.Block = b.opts.Block
		}

		streams, err := b.rdb.XReadGroup(ctx, args).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Transport failure is fatal to the consume loop: surface it
			// for instance-level alerting and stop.
			log.Printf("[Bus] Fatal stream read error: %v", err)
			select {
			case b.fatal <- fmt.Errorf("stream read failed: %w", err):
			default:
			}
			return
		}

		delivered := 0
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivered++
				b.dispatch(ctx, entry)
			}
		}

		// Pending entries list exhausted: switch to new deliveries.
		if readID == "0" && delivered == 0 {
			readID = ">"
		}
	}
}

// dispatch parses and handles one stream entry, acknowledging on success.
// A malformed entry cannot be retried meaningfully: it is logged and acked
// so it cannot block the stream. A handler error leaves the entry pending
// for redelivery after restart.
func (b *StreamBus) dispatch(ctx context.Context, entry redis.XMessage) {
	event, err := twin.StreamValuesToEvent(entry.Values)
	if err != nil {
		log.Printf("[Bus] Skipping malformed stream entry %s: %v", entry.ID, err)
		if ackErr := b.rdb.XAck(ctx, b.stream, b.opts.Group, entry.ID).Err(); ackErr != nil {
			log.Printf("[Bus] Failed to ack malformed entry %s: %v", entry.ID, ackErr)
		}
		return
	}

	if err := b.handler(ctx, event); err != nil {
		log.Printf("[Bus] Handler failed for event %s (entry %s), leaving pending: %v", event.EventID, entry.ID, err)
		return
	}

	if err := b.rdb.XAck(ctx, b.stream, b.opts.Group, entry.ID).Err(); err != nil {
		log.Printf("[Bus] Failed to ack entry %s: %v", entry.ID, err)
	}
}

// Stop cancels the consume loop and waits for it to exit or ctx to expire.
// The in-flight entry finishes; unread entries stay in the stream and are
// delivered after the next Start.
func (b *StreamBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.cancel()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream consumer did not stop: %w", ctx.Err())
	}
}

// Pending reports the unprocessed backlog for the consumer group: entries
// not yet delivered plus entries delivered but unacknowledged. Servers that
// do not report group lag fall back to the stream length, which overcounts
// already-acknowledged entries until trimming catches up.
func (b *StreamBus) Pending(ctx context.Context) (int64, error) {
	groups, err := b.rdb.XInfoGroups(ctx, b.stream).Result()
	if err == nil {
		for _, g := range groups {
			if g.Name == b.opts.Group {
				return g.Lag + g.Pending, nil
			}
		}
		// Group not created yet: nothing has been consumed.
		return b.rdb.XLen(ctx, b.stream).Result()
	}
	if strings.Contains(err.Error(), "no such key") {
		return 0, nil
	}

	n, lenErr := b.rdb.XLen(ctx, b.stream).Result()
	if lenErr != nil {
		return 0, fmt.Errorf("failed to read stream depth: %w", lenErr)
	}
	return n, nil
}

// Err exposes the fatal transport error, if the consume loop died.
// Deployments watch this to trigger restart.
func (b *StreamBus) Err() <-chan error {
	return b.fatal
}
