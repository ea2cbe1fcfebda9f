package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/internal/store"
	"github.com/dyluth/drey/pkg/twin"
)

// Invalidator subscribes to the instance's invalidation channel and evicts
// named entries from this process's near cache. Re-evicting an already
// absent entry is a no-op, so processing a message twice is harmless.
//
// Skipping messages that carry this process's own origin is purely a
// liveness optimization (the broadcaster already evicted locally);
// correctness never depends on it.
type Invalidator struct {
	rdb           *redis.Client
	instanceName  string
	origin        string
	near          *store.NearCache
	skipOwnOrigin bool

	applied atomic.Int64
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewInvalidator creates an invalidator for this process.
func NewInvalidator(rdb *redis.Client, instanceName, origin string, near *store.NearCache, skipOwnOrigin bool) (*Invalidator, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if near == nil {
		return nil, fmt.Errorf("near cache cannot be nil")
	}
	return &Invalidator{
		rdb:           rdb,
		instanceName:  instanceName,
		origin:        origin,
		near:          near,
		skipOwnOrigin: skipOwnOrigin,
		done:          make(chan struct{}),
	}, nil
}

// Start subscribes to the invalidation channel and begins applying
// messages. Returns once the subscription is confirmed, so invalidations
// published afterwards are guaranteed to be observed.
func (i *Invalidator) Start(ctx context.Context) error {
	channel := twin.InvalidationChannel(i.instanceName)
	pubsub := i.rdb.Subscribe(ctx, channel)

	// Wait for the subscription confirmation before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to invalidation channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel

	go func() {
		defer close(i.done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				i.apply(msg.Payload)
			}
		}
	}()

	return nil
}

// apply evicts the entry named by one message. Malformed messages are
// logged and skipped; they never stop the subscription.
func (i *Invalidator) apply(payload string) {
	var msg twin.InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Printf("[Invalidator] Skipping malformed invalidation message: %v", err)
		return
	}

	if err := msg.Validate(); err != nil {
		log.Printf("[Invalidator] Skipping invalid invalidation message: %v", err)
		return
	}

	if i.skipOwnOrigin && msg.Origin == i.origin {
		return
	}

	i.near.Evict(msg.CacheKey)
	i.applied.Add(1)
}

// Applied reports how many invalidation messages this process has applied.
func (i *Invalidator) Applied() int64 {
	return i.applied.Load()
}

// Stop ends the subscription. Safe to call multiple times.
func (i *Invalidator) Stop() {
	i.once.Do(func() {
		if i.cancel != nil {
			i.cancel()
			<-i.done
		}
	})
}
