//go:build integration

package main

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/invalidation"
	"github.com/dyluth/drey/internal/pipeline"
	"github.com/dyluth/drey/internal/store"
	"github.com/dyluth/drey/pkg/twin"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	addr := fmt.Sprintf("%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return addr, cleanup
}

func streamConfig(t *testing.T, addr, instance string) *config.DreyConfig {
	cfg, err := config.Default(instance)
	if err != nil {
		t.Fatalf("Failed to build config: %v", err)
	}
	cfg.Redis.URL = addr
	cfg.Bus.Backend = "stream"
	blockMs := 100
	cfg.Bus.Stream.BlockMs = &blockMs
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Failed to validate config: %v", err)
	}
	return cfg
}

// TestPipeline_StreamEndToEnd verifies a published event becomes readable
// through the cache-aware read path and that the health endpoint responds.
func TestPipeline_StreamEndToEnd(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := streamConfig(t, addr, "it-e2e")
	cfg.Health = &config.HealthConfig{Port: 18090}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Failed to validate config: %v", err)
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("Failed to assemble pipeline: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}

	event := twin.NewEvent(twin.EntityShell, twin.EventCreated, "SHELL-IT-1", []byte(`{"name":"press"}`), "v1")
	if err := p.Publish(ctx, event); err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	var entry *store.CacheEntry
	for i := 0; i < 50; i++ {
		entry, err = p.Reader().Get(ctx, twin.EntityShell, "SHELL-IT-1")
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if entry == nil {
		t.Fatal("Document was not written within timeout")
	}
	if string(entry.Payload) != `{"name":"press"}` || entry.ETag != "v1" {
		t.Errorf("Unexpected document: payload=%s etag=%s", entry.Payload, entry.ETag)
	}

	resp, err := http.Get("http://localhost:18090/healthz")
	if err != nil {
		t.Fatalf("Failed to call health check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Errorf("Pipeline stop returned error: %v", err)
	}
}

// TestPipeline_DurableBacklog verifies events published while no consumer is
// running survive and are processed once the pipeline starts.
func TestPipeline_DurableBacklog(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := streamConfig(t, addr, "it-backlog")

	// Publish straight to the stream before any consumer exists.
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	publisher, err := bus.NewStreamBus(rdb, cfg.Instance, bus.StreamBusOptions{
		Group:    cfg.Bus.Stream.Group,
		Consumer: "external-publisher",
	})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("SHELL-B-%d", i)
		event := twin.NewEvent(twin.EntityShell, twin.EventCreated, id, []byte(`{"n":1}`), "v1")
		if err := publisher.Publish(ctx, event); err != nil {
			t.Fatalf("Failed to publish backlog event: %v", err)
		}
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("Failed to assemble pipeline: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("SHELL-B-%d", i)
		for {
			if _, err := p.Reader().Get(ctx, twin.EntityShell, id); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Backlog document %s was not written within timeout", id)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Errorf("Pipeline stop returned error: %v", err)
	}
}

// TestPipeline_CrossProcessInvalidation verifies a write in one process
// evicts the stale near-cache entry of another process.
func TestPipeline_CrossProcessInvalidation(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := streamConfig(t, addr, "it-inval")

	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("Failed to assemble pipeline: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		p.Stop(stopCtx)
	}()

	// A second process holding a stale near-cache entry.
	readerRdb := redis.NewClient(&redis.Options{Addr: addr})
	defer readerRdb.Close()

	near := store.NewNearCache(time.Minute, 128)
	key := twin.CacheKey(cfg.Instance, twin.EntityShell, twin.EncodeIdentifier("SHELL-X"))
	near.Put(key, store.CacheEntry{Payload: []byte(`{"stale":true}`), ETag: "old"})

	invalidator, err := invalidation.NewInvalidator(readerRdb, cfg.Instance, "reader-process", near, true)
	if err != nil {
		t.Fatalf("Failed to create invalidator: %v", err)
	}
	if err := invalidator.Start(ctx); err != nil {
		t.Fatalf("Failed to start invalidator: %v", err)
	}
	defer invalidator.Stop()

	event := twin.NewEvent(twin.EntityShell, twin.EventUpdated, "SHELL-X", []byte(`{"stale":false}`), "new")
	if err := p.Publish(ctx, event); err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	evicted := false
	for i := 0; i < 50; i++ {
		if _, ok := near.Get(key); !ok {
			evicted = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !evicted {
		t.Error("Stale near-cache entry was not evicted by the broadcast")
	}
}
