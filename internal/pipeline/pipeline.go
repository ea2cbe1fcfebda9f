package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/health"
	"github.com/dyluth/drey/internal/invalidation"
	"github.com/dyluth/drey/internal/quarantine"
	"github.com/dyluth/drey/internal/store"
	"github.com/dyluth/drey/internal/writer"
	"github.com/dyluth/drey/pkg/twin"
)

// Pipeline wires the full write-consistency path for one process: the event
// bus partitions with their writers, the Redis repository and caches, the
// invalidation fan-out and the optional health endpoint.
type Pipeline struct {
	cfg    *config.DreyConfig
	origin string

	rdb         *redis.Client
	near        *store.NearCache
	reader      *store.Reader
	repository  *store.RedisRepository
	cache       *store.RedisCache
	quarantine  *quarantine.Store
	invalidator *invalidation.Invalidator
	router      *writer.Router
	health      *health.Server
}

// New assembles a pipeline from a validated configuration. Nothing is
// started; call Start.
func New(cfg *config.DreyConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	partitions := *cfg.Writer.Partitions
	if cfg.Bus.Backend == "stream" && partitions > 1 {
		// One durable stream per instance; a partitioned stream layout
		// would need per-partition streams and is not supported.
		return nil, fmt.Errorf("the stream backend supports a single partition, got %d", partitions)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Origin distinguishes this process on the invalidation channel so it
	// can skip invalidations it broadcast itself.
	origin := fmt.Sprintf("%s-%s", cfg.Instance, uuid.NewString())

	repository, err := store.NewRedisRepository(rdb, cfg.Instance)
	if err != nil {
		return nil, err
	}
	cache, err := store.NewRedisCache(rdb, cfg.Instance, cfg.Cache.TTL())
	if err != nil {
		return nil, err
	}
	near := store.NewNearCache(cfg.Cache.NearTTL(), *cfg.Cache.Near.MaxEntries)

	broadcaster, err := invalidation.NewBroadcaster(rdb, cfg.Instance, origin, near)
	if err != nil {
		return nil, err
	}
	invalidator, err := invalidation.NewInvalidator(rdb, cfg.Instance, origin, near, true)
	if err != nil {
		return nil, err
	}

	q, err := quarantine.NewStore(rdb, cfg.Instance)
	if err != nil {
		return nil, err
	}
	notifier := store.NewRedisNotifier(rdb)

	writerCfg := writer.Config{
		InstanceName: cfg.Instance,
		Retry: writer.RetryConfig{
			MaxAttempts:    *cfg.Writer.Retry.MaxAttempts,
			InitialBackoff: time.Duration(*cfg.Writer.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(*cfg.Writer.Retry.MaxBackoffMs) * time.Millisecond,
		},
	}

	parts := make([]writer.Partition, partitions)
	for i := range parts {
		b, err := newBus(rdb, cfg)
		if err != nil {
			return nil, err
		}

		var consumer writer.Consumer
		switch cfg.Writer.Mode {
		case "batch":
			consumer, err = writer.NewBatch(b, repository, cache, broadcaster, notifier, q, writerCfg, writer.BatchConfig{
				MaxSize:  *cfg.Writer.Batch.MaxSize,
				MaxDelay: cfg.Writer.BatchMaxDelay(),
			})
		default:
			consumer, err = writer.New(b, repository, cache, broadcaster, notifier, q, writerCfg)
		}
		if err != nil {
			return nil, err
		}

		parts[i] = writer.Partition{Bus: b, Consumer: consumer}
	}

	router, err := writer.NewRouter(parts)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		origin:      origin,
		rdb:         rdb,
		near:        near,
		reader:      store.NewReader(repository, cache, near),
		repository:  repository,
		cache:       cache,
		quarantine:  q,
		invalidator: invalidator,
		router:      router,
	}

	if cfg.Health != nil && cfg.Health.Port > 0 {
		p.health = health.NewServer(p, p)
	}

	return p, nil
}

// newBus creates one bus partition for the configured backend.
func newBus(rdb *redis.Client, cfg *config.DreyConfig) (bus.Bus, error) {
	if cfg.Bus.Backend == "stream" {
		return bus.NewStreamBus(rdb, cfg.Instance, bus.StreamBusOptions{
			Group:    cfg.Bus.Stream.Group,
			Consumer: cfg.Bus.Stream.Consumer,
			MaxLen:   *cfg.Bus.Stream.MaxLen,
			Block:    time.Duration(*cfg.Bus.Stream.BlockMs) * time.Millisecond,
		})
	}
	return bus.NewMemoryBus(*cfg.Bus.Memory.Capacity, bus.FullPolicy(cfg.Bus.Memory.FullPolicy))
}

// Start brings the pipeline online: invalidation subscription first (so no
// broadcast is missed), then the writers, then the health endpoint.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", p.cfg.Redis.URL, err)
	}

	if err := p.invalidator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start invalidator: %w", err)
	}
	if err := p.router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start writers: %w", err)
	}

	if p.health != nil {
		if err := p.health.Start(p.cfg.Health.Port); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	log.Printf("[Pipeline] Instance '%s' online (backend=%s, mode=%s, partitions=%d)",
		p.cfg.Instance, p.cfg.Bus.Backend, p.cfg.Writer.Mode, *p.cfg.Writer.Partitions)
	return nil
}

// Stop shuts the pipeline down in reverse order, draining the writers
// until ctx expires.
func (p *Pipeline) Stop(ctx context.Context) error {
	var firstErr error

	if p.health != nil {
		if err := p.health.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.router.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	p.invalidator.Stop()

	if err := p.rdb.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	log.Printf("[Pipeline] Instance '%s' stopped", p.cfg.Instance)
	return firstErr
}

// Publish validates an event and routes it to its partition.
func (p *Pipeline) Publish(ctx context.Context, event *twin.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return p.router.Publish(ctx, event)
}

// Drain blocks until every queued event has been processed or ctx expires.
func (p *Pipeline) Drain(ctx context.Context) error {
	return p.router.Drain(ctx)
}

// Reader returns the cache-aware read path.
func (p *Pipeline) Reader() *store.Reader {
	return p.reader
}

// Quarantine returns the quarantine store for inspection and replay.
func (p *Pipeline) Quarantine() *quarantine.Store {
	return p.quarantine
}

// Ping reports Redis connectivity; used by the health endpoint.
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Pending sums the queued event count across partitions.
func (p *Pipeline) Pending(ctx context.Context) (int64, error) {
	return p.router.Pending(ctx)
}

// QuarantineCount returns the quarantine list depth.
func (p *Pipeline) QuarantineCount(ctx context.Context) (int64, error) {
	return p.quarantine.Count(ctx)
}
