package writer

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/twin"
)

// Partition pairs one bus with its single consuming writer.
type Partition struct {
	Bus      bus.Bus
	Consumer Consumer
}

// Router scales write throughput by partitioning identifiers across
// multiple bus/writer pairs. An event is routed by the FNV-1a hash of its
// identifier, so all events for one identifier always land on the same
// partition and per-identifier ordering is preserved (the ordering
// guarantee a shared consumer group cannot give). Events for different
// identifiers may be applied concurrently by different partitions.
type Router struct {
	partitions []Partition
}

// NewRouter creates a router over the given partitions.
func NewRouter(partitions []Partition) (*Router, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}
	for i, p := range partitions {
		if p.Bus == nil || p.Consumer == nil {
			return nil, fmt.Errorf("partition %d is missing a bus or consumer", i)
		}
	}
	return &Router{partitions: partitions}, nil
}

// PartitionFor returns the partition index an identifier maps to.
func (r *Router) PartitionFor(identifier string) int {
	h := fnv.New32a()
	h.Write([]byte(identifier))
	return int(h.Sum32() % uint32(len(r.partitions)))
}

// Publish routes the event to its identifier's partition.
func (r *Router) Publish(ctx context.Context, event *twin.Event) error {
	p := r.partitions[r.PartitionFor(event.Identifier)]
	return p.Bus.Publish(ctx, event)
}

// Start starts every partition's consumer.
func (r *Router) Start(ctx context.Context) error {
	for i, p := range r.partitions {
		if err := p.Consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start partition %d: %w", i, err)
		}
	}
	return nil
}

// Stop stops every partition's consumer. The first error is returned after
// all partitions have been asked to stop.
func (r *Router) Stop(ctx context.Context) error {
	var firstErr error
	for i, p := range r.partitions {
		if err := p.Consumer.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop partition %d: %w", i, err)
		}
	}
	return firstErr
}

// Drain blocks until every partition has processed its queued events.
func (r *Router) Drain(ctx context.Context) error {
	for i, p := range r.partitions {
		if err := p.Consumer.Drain(ctx); err != nil {
			return fmt.Errorf("failed to drain partition %d: %w", i, err)
		}
	}
	return nil
}

// Pending sums the pending counts of all partitions.
func (r *Router) Pending(ctx context.Context) (int64, error) {
	var total int64
	for i, p := range r.partitions {
		n, err := p.Bus.Pending(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read pending count of partition %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}
