package writer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/twin"
)

// BatchConfig bounds a repository micro-batch.
type BatchConfig struct {
	MaxSize  int           // Flush when this many events are buffered
	MaxDelay time.Duration // Flush when the oldest buffered event is this old
}

// Validate checks the batch configuration.
func (c BatchConfig) Validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("batch max size must be >= 1, got %d", c.MaxSize)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("batch max delay must be positive, got %v", c.MaxDelay)
	}
	return nil
}

// BatchWriter is the micro-batching consumer. The cache update and
// invalidation broadcast happen immediately per event, preserving read
// latency; the repository writes are buffered and flushed as one pipelined
// batch when either the size threshold or the time threshold is reached,
// whichever comes first.
//
// Consistency window: between a cache update and its batch flush, a crash
// loses the buffered repository writes while the cache may reflect them
// until its TTL expires. The window is bounded by MaxDelay. The repository
// stays the source of truth; this trade-off buys write throughput for
// bursty workloads.
type BatchWriter struct {
	bus         bus.Bus
	repository  BatchRepository
	cache       Cache
	broadcaster Broadcaster
	notifier    Notifier
	quarantine  Quarantine
	cfg         Config
	batchCfg    BatchConfig

	mu      sync.Mutex
	pending []*twin.Event
	timer   *time.Timer

	// flushMu serializes flushes so batches reach the repository in
	// accumulation order even when a size flush overlaps a timer flush.
	flushMu sync.Mutex

	runCtx   context.Context
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	flusher  chan struct{}
}

// NewBatch creates a micro-batching writer consuming from b.
func NewBatch(b bus.Bus, repository BatchRepository, cache Cache, broadcaster Broadcaster, notifier Notifier, quarantine Quarantine, cfg Config, batchCfg BatchConfig) (*BatchWriter, error) {
	if b == nil || repository == nil || cache == nil || broadcaster == nil || quarantine == nil {
		return nil, fmt.Errorf("bus, repository, cache, broadcaster and quarantine are required")
	}
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if err := batchCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}

	return &BatchWriter{
		bus:         b,
		repository:  repository,
		cache:       cache,
		broadcaster: broadcaster,
		notifier:    notifier,
		quarantine:  quarantine,
		cfg:         cfg,
		batchCfg:    batchCfg,
		stopCh:      make(chan struct{}),
		flusher:     make(chan struct{}),
	}, nil
}

// Start subscribes to the bus and launches the time-threshold flusher.
func (w *BatchWriter) Start(ctx context.Context) error {
	if w.started {
		return bus.ErrAlreadyStarted
	}
	w.started = true
	w.runCtx = ctx

	w.timer = time.NewTimer(w.batchCfg.MaxDelay)
	if !w.timer.Stop() {
		<-w.timer.C
	}

	go func() {
		defer close(w.flusher)
		for {
			select {
			case <-w.stopCh:
				return
			case <-w.timer.C:
				w.flush(w.runCtx)
			}
		}
	}()

	w.bus.Subscribe(w.handle)
	if err := w.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}

	log.Printf("[Writer] Started micro-batching for instance '%s' (size=%d, delay=%v)",
		w.cfg.InstanceName, w.batchCfg.MaxSize, w.batchCfg.MaxDelay)
	return nil
}

// handle processes one event: immediate cache side effect and broadcast,
// then buffer the repository write.
func (w *BatchWriter) handle(ctx context.Context, event *twin.Event) error {
	if err := event.Validate(); err != nil {
		log.Printf("[Writer] Malformed event %s: %v", event.EventID, err)
		if qErr := w.quarantine.Add(ctx, event, fmt.Sprintf("malformed event: %v", err)); qErr != nil {
			return fmt.Errorf("failed to quarantine event %s: %w", event.EventID, qErr)
		}
		return nil
	}

	err := w.cfg.Retry.retry(ctx, "Writer", func() error {
		return w.applyCacheSide(ctx, event)
	})
	if err != nil {
		log.Printf("[Writer] Event %s cache side failed after retries, quarantining: %v", event.EventID, err)
		if qErr := w.quarantine.Add(ctx, event, err.Error()); qErr != nil {
			return fmt.Errorf("failed to quarantine event %s: %w", event.EventID, qErr)
		}
		return nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, event)
	if len(w.pending) == 1 {
		w.timer.Reset(w.batchCfg.MaxDelay)
	}
	size := len(w.pending)
	w.mu.Unlock()

	if size >= w.batchCfg.MaxSize {
		w.flush(ctx)
	}
	return nil
}

// applyCacheSide runs the immediate per-event side effects.
func (w *BatchWriter) applyCacheSide(ctx context.Context, event *twin.Event) error {
	reason := twin.InvalidationUpsert

	if event.Kind == twin.EventDeleted {
		reason = twin.InvalidationDelete
		if err := w.cache.Delete(ctx, event); err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
	} else {
		if err := w.cache.Set(ctx, event); err != nil {
			return fmt.Errorf("cache set: %w", err)
		}
	}

	if err := w.broadcaster.Broadcast(ctx, event, reason); err != nil {
		return fmt.Errorf("invalidation broadcast: %w", err)
	}

	notify(ctx, w.notifier, w.cfg.InstanceName, event)
	return nil
}

// flush writes the buffered batch to the repository. The whole batch is
// retried as a unit; after exhausting retries every event in it is
// quarantined individually, so one bad event cannot permanently block its
// siblings.
func (w *BatchWriter) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.timer.Stop()
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	err := w.cfg.Retry.retry(ctx, "Writer", func() error {
		return w.repository.ApplyBatch(ctx, batch)
	})
	if err == nil {
		return
	}

	log.Printf("[Writer] Batch of %d events failed after retries, quarantining individually: %v", len(batch), err)
	for _, event := range batch {
		if qErr := w.quarantine.Add(ctx, event, fmt.Sprintf("batch flush failed: %v", err)); qErr != nil {
			log.Printf("[Writer] Failed to quarantine event %s: %v", event.EventID, qErr)
		}
	}
}

// Drain blocks until the bus is empty and the buffered batch is flushed.
func (w *BatchWriter) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending, err := w.bus.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read pending count: %w", err)
		}
		if pending == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	w.flush(ctx)
	return nil
}

// Stop halts consumption, flushes the remaining batch and stops the
// flusher. Safe to call more than once.
func (w *BatchWriter) Stop(ctx context.Context) error {
	if !w.started {
		return nil
	}

	var busErr error
	w.stopOnce.Do(func() {
		busErr = w.bus.Stop(ctx)
		close(w.stopCh)
		<-w.flusher
		w.flush(ctx)
	})
	return busErr
}
