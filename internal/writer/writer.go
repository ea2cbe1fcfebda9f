package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/twin"
)

// Config holds the settings shared by both writer variants.
type Config struct {
	InstanceName string
	Retry        RetryConfig
}

// Writer is the strict sequential consumer. For every event, in this fixed
// order: (1) durable repository write, (2) cache update, (3) invalidation
// broadcast plus external notification. Because the payload is always the
// full document, the repository and cache converge on the last published
// event per identifier (last-write-wins).
//
// Steps (1)-(3) are retried as a unit with bounded exponential backoff; all
// of them are idempotent, so a retry that repeats an already-applied step
// is harmless. When retries are exhausted the event is quarantined and the
// writer moves on, so one poisoned event never blocks the stream.
type Writer struct {
	bus         bus.Bus
	repository  Repository
	cache       Cache
	broadcaster Broadcaster
	notifier    Notifier
	quarantine  Quarantine
	cfg         Config
}

// New creates a sequential writer consuming from b. The notifier is
// optional; everything else is required.
func New(b bus.Bus, repository Repository, cache Cache, broadcaster Broadcaster, notifier Notifier, quarantine Quarantine, cfg Config) (*Writer, error) {
	if b == nil || repository == nil || cache == nil || broadcaster == nil || quarantine == nil {
		return nil, fmt.Errorf("bus, repository, cache, broadcaster and quarantine are required")
	}
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	return &Writer{
		bus:         b,
		repository:  repository,
		cache:       cache,
		broadcaster: broadcaster,
		notifier:    notifier,
		quarantine:  quarantine,
		cfg:         cfg,
	}, nil
}

// Start subscribes to the bus and begins consuming.
func (w *Writer) Start(ctx context.Context) error {
	w.bus.Subscribe(w.handle)
	if err := w.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	log.Printf("[Writer] Started for instance '%s'", w.cfg.InstanceName)
	return nil
}

// Stop halts consumption, draining queued events until ctx expires.
func (w *Writer) Stop(ctx context.Context) error {
	return w.bus.Stop(ctx)
}

// Drain blocks until every currently queued event has been processed or
// ctx expires. Used by graceful shutdown and tests.
func (w *Writer) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending, err := w.bus.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read pending count: %w", err)
		}
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

// handle processes one event from the bus. A malformed event (which
// upstream validation should have prevented) is quarantined defensively;
// a transient failure is retried and then quarantined. handle only returns
// an error when even quarantining failed, leaving the entry pending on the
// durable bus.
func (w *Writer) handle(ctx context.Context, event *twin.Event) error {
	if err := event.Validate(); err != nil {
		log.Printf("[Writer] Malformed event %s: %v", event.EventID, err)
		return w.sendToQuarantine(ctx, event, fmt.Sprintf("malformed event: %v", err))
	}

	err := w.cfg.Retry.retry(ctx, "Writer", func() error {
		return w.apply(ctx, event)
	})
	if err != nil {
		log.Printf("[Writer] Event %s failed after retries, quarantining: %v", event.EventID, err)
		return w.sendToQuarantine(ctx, event, err.Error())
	}

	return nil
}

// apply runs the ordered side effects for one event.
func (w *Writer) apply(ctx context.Context, event *twin.Event) error {
	reason := twin.InvalidationUpsert

	if event.Kind == twin.EventDeleted {
		reason = twin.InvalidationDelete
		if err := w.repository.Delete(ctx, event); err != nil {
			return fmt.Errorf("repository delete: %w", err)
		}
		if err := w.cache.Delete(ctx, event); err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
	} else {
		if err := w.repository.Upsert(ctx, event); err != nil {
			return fmt.Errorf("repository upsert: %w", err)
		}
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

// sendToQuarantine records a failed event. If even that fails the error is
// propagated so a durable bus keeps the entry pending.
func (w *Writer) sendToQuarantine(ctx context.Context, event *twin.Event, reason string) error {
	if err := w.quarantine.Add(ctx, event, reason); err != nil {
		return fmt.Errorf("failed to quarantine event %s: %w", event.EventID, err)
	}
	return nil
}

// notify publishes the full event to the entity's notification channel.
// Best effort: a failure is logged and never blocks consistency.
func notify(ctx context.Context, notifier Notifier, instanceName string, event *twin.Event) {
	if notifier == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Writer] Failed to marshal notification for event %s: %v", event.EventID, err)
		return
	}

	topic := twin.NotificationChannel(instanceName, event.Entity)
	if err := notifier.Publish(ctx, topic, payload); err != nil {
		log.Printf("[Writer] Failed to publish notification for event %s: %v", event.EventID, err)
	}
}
