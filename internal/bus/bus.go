// Package bus provides the event transport between write handlers and the
// writer. Two interchangeable backends exist: a bounded in-process queue for
// single-process deployments and a durable Redis stream with consumer-group
// semantics for horizontally scaled deployments. The writer is backend
// agnostic; both deliver events in order to a single subscribed handler.
package bus

import (
	"context"
	"errors"

	"github.com/dyluth/drey/pkg/twin"
)

// Handler processes a single event. Returning nil acknowledges the event.
// On the durable backend a non-nil error leaves the entry unacknowledged so
// it is redelivered after a restart; the in-process backend has no
// redelivery, so the handler is expected to quarantine before failing.
type Handler func(ctx context.Context, event *twin.Event) error

// Bus is the transport contract shared by all backends.
// Events published through one bus are delivered to the subscribed handler
// strictly in publish order.
type Bus interface {
	// Publish enqueues an event. The event is validated before it is
	// accepted. Returns once the backend has taken ownership of the event
	// (for the durable backend: once the append is acknowledged).
	Publish(ctx context.Context, event *twin.Event) error

	// Subscribe registers the single consuming handler.
	// Must be called before Start.
	Subscribe(handler Handler)

	// Start begins delivering events to the subscribed handler.
	Start(ctx context.Context) error

	// Stop halts delivery, letting the in-flight event finish and draining
	// queued events until ctx expires.
	Stop(ctx context.Context) error

	// Pending reports the number of events queued but not yet fully
	// processed. Used for health and backpressure signaling.
	Pending(ctx context.Context) (int64, error)
}

// ErrQueueFull is returned by Publish when the bounded queue is at capacity
// and the bus is configured to reject rather than block.
var ErrQueueFull = errors.New("event queue is full")

// ErrNoHandler is returned by Start when no handler has been subscribed.
var ErrNoHandler = errors.New("no handler subscribed")

// ErrAlreadyStarted is returned by Start when the bus is already running.
var ErrAlreadyStarted = errors.New("bus already started")
