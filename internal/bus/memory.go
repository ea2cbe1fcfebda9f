package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/drey/pkg/twin"
)

// FullPolicy selects how Publish behaves when the bounded queue is full.
type FullPolicy string

const (
	// FullPolicyBlock makes Publish wait for free space (backpressure)
	FullPolicyBlock FullPolicy = "block"

	// FullPolicyReject makes Publish fail immediately with ErrQueueFull
	FullPolicyReject FullPolicy = "reject"
)

// MemoryBus is a bounded in-process FIFO event queue.
// Delivery order to the single consumer is exactly publish order. When the
// queue is full, Publish either blocks the producer or rejects, depending on
// the configured policy; events are never dropped silently and memory stays
// bounded. Not durable: suitable only for a single running process.
type MemoryBus struct {
	queue   chan *twin.Event
	policy  FullPolicy
	handler Handler

	// pending counts accepted events that have not finished their handler
	// yet. Incremented in Publish and decremented after the handler
	// returns, so there is no window where an event sits between the
	// queue and the handler without being counted.
	pending atomic.Int64

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewMemoryBus creates a bounded in-process bus with the given capacity.
// Capacity must be at least 1.
func NewMemoryBus(capacity int, policy FullPolicy) (*MemoryBus, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1, got %d", capacity)
	}

	switch policy {
	case FullPolicyBlock, FullPolicyReject:
	default:
		return nil, fmt.Errorf("unknown full policy: %q", policy)
	}

	return &MemoryBus{
		queue:  make(chan *twin.Event, capacity),
		policy: policy,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Publish enqueues an event. With FullPolicyBlock a full queue suspends the
// caller until space frees or ctx is cancelled; with FullPolicyReject a full
// queue returns ErrQueueFull immediately.
func (b *MemoryBus) Publish(ctx context.Context, event *twin.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	if b.policy == FullPolicyReject {
		select {
		case b.queue <- event:
			b.pending.Add(1)
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case b.queue <- event:
		b.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers the consuming handler. Must be called before Start.
func (b *MemoryBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Start launches the single consumer goroutine.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handler == nil {
		return ErrNoHandler
	}
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.consume(runCtx)
	return nil
}

// consume drains the queue one event at a time. After stop is requested the
// remaining queue is drained without blocking, then the goroutine exits.
func (b *MemoryBus) consume(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return

		case <-b.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case event := <-b.queue:
					b.dispatch(ctx, event)
				case <-ctx.Done():
					return
				default:
					return
				}
			}

		case event := <-b.queue:
			b.dispatch(ctx, event)
		}
	}
}

// dispatch runs the handler for one event. The in-process bus has no
// redelivery, so a handler error is logged and the event is dropped; the
// writer quarantines before returning an error, which keeps the failure
// observable.
func (b *MemoryBus) dispatch(ctx context.Context, event *twin.Event) {
	defer b.pending.Add(-1)

	if err := b.handler(ctx, event); err != nil {
		log.Printf("[Bus] Handler failed for event %s: %v", event.EventID, err)
	}
}

// Stop requests shutdown: queued events are drained until ctx expires, then
// the consumer is cancelled. Safe to call more than once.
func (b *MemoryBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.cancel()
		<-b.done
		return fmt.Errorf("drain timed out, consumer cancelled: %w", ctx.Err())
	}
}

// Pending reports accepted events whose handler has not finished yet,
// queued or in flight.
func (b *MemoryBus) Pending(ctx context.Context) (int64, error) {
	return b.pending.Load(), nil
}

// WaitIdle blocks until the queue is empty and no event is in flight, or
// ctx expires. Used by Drain and tests.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending, _ := b.Pending(ctx)
		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
