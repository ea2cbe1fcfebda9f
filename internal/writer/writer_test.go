package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/pkg/twin"
)

// fastRetry keeps test retries in the millisecond range.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func testConfig() Config {
	return Config{InstanceName: "test-instance", Retry: fastRetry()}
}

// fakeRepository records calls and holds documents keyed by identifier.
type fakeRepository struct {
	mu        sync.Mutex
	docs      map[string][]byte
	etags     map[string]string
	upserts   int
	deletes   int
	failTimes int // fail this many calls before succeeding
	failAll   bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{docs: map[string][]byte{}, etags: map[string]string{}}
}

func (r *fakeRepository) fail() bool {
	if r.failAll {
		return true
	}
	if r.failTimes > 0 {
		r.failTimes--
		return true
	}
	return false
}

func (r *fakeRepository) Upsert(ctx context.Context, event *twin.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail() {
		return errors.New("repository unreachable")
	}
	r.upserts++
	r.docs[event.Identifier] = event.Payload
	r.etags[event.Identifier] = event.ETag
	return nil
}

func (r *fakeRepository) Delete(ctx context.Context, event *twin.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail() {
		return errors.New("repository unreachable")
	}
	r.deletes++
	delete(r.docs, event.Identifier)
	delete(r.etags, event.Identifier)
	return nil
}

func (r *fakeRepository) doc(identifier string) ([]byte, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.docs[identifier]
	return payload, r.etags[identifier], ok
}

func (r *fakeRepository) counts() (upserts, deletes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts, r.deletes
}

// fakeCache mirrors fakeRepository for the cache side.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	etags   map[string]string
	sets    int
	deletes int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}, etags: map[string]string{}}
}

func (c *fakeCache) Set(ctx context.Context, event *twin.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[event.Identifier] = event.Payload
	c.etags[event.Identifier] = event.ETag
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, event *twin.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	delete(c.entries, event.Identifier)
	delete(c.etags, event.Identifier)
	return nil
}

func (c *fakeCache) entry(identifier string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.entries[identifier]
	return payload, c.etags[identifier], ok
}

func (c *fakeCache) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func (c *fakeCache) deleteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

// fakeBroadcaster records invalidation broadcasts.
type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []twin.InvalidationReason
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, event *twin.Event, reason twin.InvalidationReason) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, reason)
	return nil
}

func (b *fakeBroadcaster) reasons() []twin.InvalidationReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]twin.InvalidationReason, len(b.messages))
	copy(out, b.messages)
	return out
}

// fakeNotifier records published topics.
type fakeNotifier struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (n *fakeNotifier) Publish(ctx context.Context, topic string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("broker unreachable")
	}
	n.topics = append(n.topics, topic)
	return nil
}

// fakeQuarantine records quarantined events.
type fakeQuarantine struct {
	mu      sync.Mutex
	events  []*twin.Event
	reasons []string
}

func (q *fakeQuarantine) Add(ctx context.Context, event *twin.Event, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	q.reasons = append(q.reasons, reason)
	return nil
}

func (q *fakeQuarantine) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func upsertEvent(t *testing.T, identifier, payload, etag string) *twin.Event {
	t.Helper()
	e := twin.NewEvent(twin.EntityShell, twin.EventUpdated, identifier, []byte(payload), etag)
	require.NoError(t, e.Validate())
	return e
}

func createdEvent(t *testing.T, identifier, payload, etag string) *twin.Event {
	t.Helper()
	e := twin.NewEvent(twin.EntityShell, twin.EventCreated, identifier, []byte(payload), etag)
	require.NoError(t, e.Validate())
	return e
}

func deletedEvent(t *testing.T, identifier string) *twin.Event {
	t.Helper()
	e := twin.NewEvent(twin.EntityShell, twin.EventDeleted, identifier, nil, "")
	require.NoError(t, e.Validate())
	return e
}

// newTestWriter wires a sequential writer over a fresh memory bus.
func newTestWriter(t *testing.T, repo *fakeRepository) (*Writer, *bus.MemoryBus, *fakeCache, *fakeBroadcaster, *fakeNotifier, *fakeQuarantine) {
	t.Helper()

	b, err := bus.NewMemoryBus(32, bus.FullPolicyBlock)
	require.NoError(t, err)

	cache := newFakeCache()
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}
	q := &fakeQuarantine{}

	w, err := New(b, repo, cache, broadcaster, notifier, q, testConfig())
	require.NoError(t, err)

	return w, b, cache, broadcaster, notifier, q
}

func TestWriterCreatedScenario(t *testing.T) {
	repo := newFakeRepository()
	w, b, cache, broadcaster, notifier, q := newTestWriter(t, repo)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	event := createdEvent(t, "E1", `{"a":1}`, "e1")
	require.NoError(t, b.Publish(ctx, event))
	require.NoError(t, w.Drain(ctx))

	// Repository upserted exactly once with the identical payload and etag.
	payload, etag, ok := repo.doc("E1")
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(payload))
	assert.Equal(t, "e1", etag)
	upserts, _ := repo.counts()
	assert.Equal(t, 1, upserts)

	// Cache set exactly once with the identical payload and etag.
	cachedPayload, cachedETag, ok := cache.entry("E1")
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(cachedPayload))
	assert.Equal(t, "e1", cachedETag)
	assert.Equal(t, 1, cache.setCount())

	// One upsert invalidation and one notification on the shell channel.
	assert.Equal(t, []twin.InvalidationReason{twin.InvalidationUpsert}, broadcaster.reasons())
	notifier.mu.Lock()
	assert.Equal(t, []string{twin.NotificationChannel("test-instance", twin.EntityShell)}, notifier.topics)
	notifier.mu.Unlock()

	assert.Equal(t, 0, q.count())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestWriterDeletedScenario(t *testing.T) {
	repo := newFakeRepository()
	w, b, cache, broadcaster, _, _ := newTestWriter(t, repo)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, createdEvent(t, "E1", `{"a":1}`, "e1")))
	require.NoError(t, b.Publish(ctx, deletedEvent(t, "E1")))
	require.NoError(t, w.Drain(ctx))

	_, _, ok := repo.doc("E1")
	assert.False(t, ok)
	_, deletes := repo.counts()
	assert.Equal(t, 1, deletes)

	_, _, ok = cache.entry("E1")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.deleteCount())

	assert.Equal(t, []twin.InvalidationReason{twin.InvalidationUpsert, twin.InvalidationDelete}, broadcaster.reasons())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestWriterLastWriteWins(t *testing.T) {
	repo := newFakeRepository()
	w, b, cache, _, _, _ := newTestWriter(t, repo)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, upsertEvent(t, "X", `{"v":"A"}`, "eA")))
	require.NoError(t, b.Publish(ctx, upsertEvent(t, "X", `{"v":"B"}`, "eB")))
	require.NoError(t, w.Drain(ctx))

	payload, etag, ok := repo.doc("X")
	require.True(t, ok)
	assert.Equal(t, `{"v":"B"}`, string(payload))
	assert.Equal(t, "eB", etag)

	cachedPayload, cachedETag, ok := cache.entry("X")
	require.True(t, ok)
	assert.Equal(t, `{"v":"B"}`, string(cachedPayload))
	assert.Equal(t, "eB", cachedETag)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestWriterIdempotentRedelivery(t *testing.T) {
	repo := newFakeRepository()
	w, _, cache, _, _, q := newTestWriter(t, repo)

	ctx := context.Background()
	event := upsertEvent(t, "X", `{"v":1}`, "e1")

	// Simulate at-least-once redelivery by invoking the handler twice.
	require.NoError(t, w.handle(ctx, event))
	require.NoError(t, w.handle(ctx, event))

	payload, _, ok := repo.doc("X")
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(payload))

	cachedPayload, _, ok := cache.entry("X")
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(cachedPayload))

	assert.Equal(t, 0, q.count())
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	repo := newFakeRepository()
	repo.failTimes = 2 // fewer than MaxAttempts

	w, b, _, _, _, q := newTestWriter(t, repo)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, upsertEvent(t, "X", `{"v":1}`, "e1")))
	require.NoError(t, w.Drain(ctx))

	payload, _, ok := repo.doc("X")
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(payload))
	assert.Equal(t, 0, q.count())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestWriterNoSilentLoss(t *testing.T) {
	repo := newFakeRepository()
	repo.failAll = true

	w, b, _, _, _, q := newTestWriter(t, repo)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	doomed := upsertEvent(t, "DOOMED", `{"v":1}`, "e1")
	require.NoError(t, b.Publish(ctx, doomed))
	require.NoError(t, w.Drain(ctx))

	// The failed event is quarantined and observable.
	require.Equal(t, 1, q.count())
	q.mu.Lock()
	assert.Equal(t, doomed.EventID, q.events[0].EventID)
	assert.Contains(t, q.reasons[0], "repository")
	q.mu.Unlock()

	// Subsequent unrelated events continue to be processed.
	repo.mu.Lock()
	repo.failAll = false
	repo.mu.Unlock()

	require.NoError(t, b.Publish(ctx, upsertEvent(t, "NEXT", `{"v":2}`, "e2")))
	require.NoError(t, w.Drain(ctx))

	payload, _, ok := repo.doc("NEXT")
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(payload))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestWriterQuarantinesMalformedEvent(t *testing.T) {
	repo := newFakeRepository()
	w, _, _, _, _, q := newTestWriter(t, repo)

	ctx := context.Background()

	// Bypass bus validation to exercise the writer's defensive check.
	malformed := twin.NewEvent(twin.EntityShell, twin.EventDeleted, "X", []byte("leftover"), "")
	require.NoError(t, w.handle(ctx, malformed))

	require.Equal(t, 1, q.count())
	assert.Contains(t, q.reasons[0], "malformed event")
	assert.Equal(t, 0, repo.upserts)
	assert.Equal(t, 0, repo.deletes)
}

func TestWriterNotificationFailureDoesNotBlock(t *testing.T) {
	repo := newFakeRepository()

	b, err := bus.NewMemoryBus(8, bus.FullPolicyBlock)
	require.NoError(t, err)

	notifier := &fakeNotifier{fail: true}
	q := &fakeQuarantine{}
	w, err := New(b, repo, newFakeCache(), &fakeBroadcaster{}, notifier, q, testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, upsertEvent(t, "X", `{"v":1}`, "e1")))
	require.NoError(t, w.Drain(ctx))

	// Consistency side effects applied; nothing quarantined.
	_, _, ok := repo.doc("X")
	assert.True(t, ok)
	assert.Equal(t, 0, q.count())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestNewWriterValidation(t *testing.T) {
	b, err := bus.NewMemoryBus(8, bus.FullPolicyBlock)
	require.NoError(t, err)

	t.Run("requires collaborators", func(t *testing.T) {
		_, err := New(b, nil, newFakeCache(), &fakeBroadcaster{}, nil, &fakeQuarantine{}, testConfig())
		assert.Error(t, err)
	})

	t.Run("requires instance name", func(t *testing.T) {
		cfg := testConfig()
		cfg.InstanceName = ""
		_, err := New(b, newFakeRepository(), newFakeCache(), &fakeBroadcaster{}, nil, &fakeQuarantine{}, cfg)
		assert.Error(t, err)
	})

	t.Run("rejects invalid retry config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry.MaxAttempts = 0
		_, err := New(b, newFakeRepository(), newFakeCache(), &fakeBroadcaster{}, nil, &fakeQuarantine{}, cfg)
		assert.Error(t, err)
	})
}
