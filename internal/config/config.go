package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/drey/internal/bus"
)

// DreyConfig represents the top-level drey.yml configuration
type DreyConfig struct {
	Version  string        `yaml:"version"`
	Instance string        `yaml:"instance"` // Required: namespaces every Redis key and channel
	Redis    RedisConfig   `yaml:"redis"`
	Bus      BusConfig     `yaml:"bus,omitempty"`
	Writer   WriterConfig  `yaml:"writer,omitempty"`
	Cache    CacheConfig   `yaml:"cache,omitempty"`
	Health   *HealthConfig `yaml:"health,omitempty"`
}

// RedisConfig specifies the Redis connection
type RedisConfig struct {
	URL      string `yaml:"url"` // host:port, default localhost:6379
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// BusConfig selects and tunes the event bus backend
type BusConfig struct {
	Backend string        `yaml:"backend,omitempty"` // "memory" (default) or "stream"
	Memory  *MemoryConfig `yaml:"memory,omitempty"`
	Stream  *StreamConfig `yaml:"stream,omitempty"`
}

// MemoryConfig tunes the in-process bus
type MemoryConfig struct {
	Capacity   *int   `yaml:"capacity,omitempty"`    // Queue depth, default 1024
	FullPolicy string `yaml:"full_policy,omitempty"` // "block" (default) or "reject"
}

// StreamConfig tunes the durable Redis Streams bus
type StreamConfig struct {
	Group    string `yaml:"group,omitempty"`    // Consumer group, default "drey-writers"
	Consumer string `yaml:"consumer,omitempty"` // Consumer name, default "<instance>-writer"
	MaxLen   *int64 `yaml:"max_len,omitempty"`  // Approximate stream cap, default 100000
	BlockMs  *int   `yaml:"block_ms,omitempty"` // XREADGROUP block, default 1000
}

// WriterConfig selects and tunes the consumer
type WriterConfig struct {
	Mode       string       `yaml:"mode,omitempty"`       // "sequential" (default) or "batch"
	Partitions *int         `yaml:"partitions,omitempty"` // Identifier-hash partitions, default 1
	Batch      *BatchConfig `yaml:"batch,omitempty"`
	Retry      *RetryConfig `yaml:"retry,omitempty"`
}

// BatchConfig bounds a repository micro-batch
type BatchConfig struct {
	MaxSize    *int `yaml:"max_size,omitempty"`     // Default 32
	MaxDelayMs *int `yaml:"max_delay_ms,omitempty"` // Default 50
}

// RetryConfig bounds the side-effect retry backoff
type RetryConfig struct {
	MaxAttempts      *int `yaml:"max_attempts,omitempty"`       // Default 5
	InitialBackoffMs *int `yaml:"initial_backoff_ms,omitempty"` // Default 100
	MaxBackoffMs     *int `yaml:"max_backoff_ms,omitempty"`     // Default 5000
}

// CacheConfig tunes the shared cache and the per-process near cache
type CacheConfig struct {
	TTLSeconds *int             `yaml:"ttl_seconds,omitempty"` // Shared cache TTL, default 300
	Near       *NearCacheConfig `yaml:"near,omitempty"`
}

// NearCacheConfig tunes the in-process near cache
type NearCacheConfig struct {
	TTLSeconds *int `yaml:"ttl_seconds,omitempty"` // Default 30
	MaxEntries *int `yaml:"max_entries,omitempty"` // Default 4096
}

// HealthConfig enables the HTTP health endpoint
type HealthConfig struct {
	Port int `yaml:"port"` // 0 disables the endpoint
}

// Validate performs strict validation and applies defaults in place
func (c *DreyConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: instance name
	if c.Instance == "" {
		return fmt.Errorf("instance name is required")
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "localhost:6379"
	}

	if err := c.Bus.validate(c.Instance); err != nil {
		return err
	}
	if err := c.Writer.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}

	if c.Health != nil && (c.Health.Port < 0 || c.Health.Port > 65535) {
		return fmt.Errorf("invalid health port: %d", c.Health.Port)
	}

	return nil
}

func (b *BusConfig) validate(instance string) error {
	switch b.Backend {
	case "":
		b.Backend = "memory"
	case "memory", "stream":
	default:
		return fmt.Errorf("invalid bus backend: %s (must be 'memory' or 'stream')", b.Backend)
	}

	if b.Memory == nil {
		b.Memory = &MemoryConfig{}
	}
	if b.Memory.Capacity == nil {
		capacity := 1024
		b.Memory.Capacity = &capacity
	}
	if *b.Memory.Capacity < 1 {
		return fmt.Errorf("bus.memory.capacity must be >= 1, got %d", *b.Memory.Capacity)
	}
	switch b.Memory.FullPolicy {
	case "":
		b.Memory.FullPolicy = string(bus.FullPolicyBlock)
	case string(bus.FullPolicyBlock), string(bus.FullPolicyReject):
	default:
		return fmt.Errorf("invalid bus.memory.full_policy: %s (must be 'block' or 'reject')", b.Memory.FullPolicy)
	}

	if b.Stream == nil {
		b.Stream = &StreamConfig{}
	}
	if b.Stream.Group == "" {
		b.Stream.Group = "drey-writers"
	}
	if b.Stream.Consumer == "" {
		b.Stream.Consumer = instance + "-writer"
	}
	if b.Stream.MaxLen == nil {
		maxLen := int64(100000)
		b.Stream.MaxLen = &maxLen
	}
	if *b.Stream.MaxLen < 1 {
		return fmt.Errorf("bus.stream.max_len must be >= 1, got %d", *b.Stream.MaxLen)
	}
	if b.Stream.BlockMs == nil {
		blockMs := 1000
		b.Stream.BlockMs = &blockMs
	}
	if *b.Stream.BlockMs < 1 {
		return fmt.Errorf("bus.stream.block_ms must be >= 1, got %d", *b.Stream.BlockMs)
	}

	return nil
}

func (w *WriterConfig) validate() error {
	switch w.Mode {
	case "":
		w.Mode = "sequential"
	case "sequential", "batch":
	default:
		return fmt.Errorf("invalid writer mode: %s (must be 'sequential' or 'batch')", w.Mode)
	}

	if w.Partitions == nil {
		partitions := 1
		w.Partitions = &partitions
	}
	if *w.Partitions < 1 {
		return fmt.Errorf("writer.partitions must be >= 1, got %d", *w.Partitions)
	}

	if w.Batch == nil {
		w.Batch = &BatchConfig{}
	}
	if w.Batch.MaxSize == nil {
		maxSize := 32
		w.Batch.MaxSize = &maxSize
	}
	if *w.Batch.MaxSize < 1 {
		return fmt.Errorf("writer.batch.max_size must be >= 1, got %d", *w.Batch.MaxSize)
	}
	if w.Batch.MaxDelayMs == nil {
		maxDelay := 50
		w.Batch.MaxDelayMs = &maxDelay
	}
	if *w.Batch.MaxDelayMs < 1 {
		return fmt.Errorf("writer.batch.max_delay_ms must be >= 1, got %d", *w.Batch.MaxDelayMs)
	}

	if w.Retry == nil {
		w.Retry = &RetryConfig{}
	}
	if w.Retry.MaxAttempts == nil {
		attempts := 5
		w.Retry.MaxAttempts = &attempts
	}
	if *w.Retry.MaxAttempts < 1 {
		return fmt.Errorf("writer.retry.max_attempts must be >= 1, got %d", *w.Retry.MaxAttempts)
	}
	if w.Retry.InitialBackoffMs == nil {
		initial := 100
		w.Retry.InitialBackoffMs = &initial
	}
	if *w.Retry.InitialBackoffMs < 1 {
		return fmt.Errorf("writer.retry.initial_backoff_ms must be >= 1, got %d", *w.Retry.InitialBackoffMs)
	}
	if w.Retry.MaxBackoffMs == nil {
		maxMs := 5000
		w.Retry.MaxBackoffMs = &maxMs
	}
	if *w.Retry.MaxBackoffMs < *w.Retry.InitialBackoffMs {
		return fmt.Errorf("writer.retry.max_backoff_ms %d is below initial_backoff_ms %d", *w.Retry.MaxBackoffMs, *w.Retry.InitialBackoffMs)
	}

	return nil
}

func (c *CacheConfig) validate() error {
	if c.TTLSeconds == nil {
		ttl := 300
		c.TTLSeconds = &ttl
	}
	if *c.TTLSeconds < 1 {
		return fmt.Errorf("cache.ttl_seconds must be >= 1, got %d", *c.TTLSeconds)
	}

	if c.Near == nil {
		c.Near = &NearCacheConfig{}
	}
	if c.Near.TTLSeconds == nil {
		ttl := 30
		c.Near.TTLSeconds = &ttl
	}
	if *c.Near.TTLSeconds < 1 {
		return fmt.Errorf("cache.near.ttl_seconds must be >= 1, got %d", *c.Near.TTLSeconds)
	}
	if c.Near.MaxEntries == nil {
		maxEntries := 4096
		c.Near.MaxEntries = &maxEntries
	}
	if *c.Near.MaxEntries < 1 {
		return fmt.Errorf("cache.near.max_entries must be >= 1, got %d", *c.Near.MaxEntries)
	}

	return nil
}

// TTL returns the shared cache TTL as a duration
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(*c.TTLSeconds) * time.Second
}

// NearTTL returns the near cache TTL as a duration
func (c *CacheConfig) NearTTL() time.Duration {
	return time.Duration(*c.Near.TTLSeconds) * time.Second
}

// BatchMaxDelay returns the batch time threshold as a duration
func (w *WriterConfig) BatchMaxDelay() time.Duration {
	return time.Duration(*w.Batch.MaxDelayMs) * time.Millisecond
}

// Load reads and validates drey.yml from the specified path
func Load(path string) (*DreyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config DreyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a validated configuration with every default applied,
// for callers that run without a drey.yml (tests, ephemeral tooling).
func Default(instance string) (*DreyConfig, error) {
	config := &DreyConfig{
		Version:  "1.0",
		Instance: instance,
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
