package writer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the exponential backoff applied to transient side
// effect failures.
type RetryConfig struct {
	MaxAttempts    int           // Total attempts including the first (>= 1)
	InitialBackoff time.Duration // Delay before the first retry
	MaxBackoff     time.Duration // Cap on the delay between retries
}

// DefaultRetryConfig matches the pipeline defaults: 5 attempts starting at
// 100ms, capped at 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff %v is below initial backoff %v", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

// retry runs op with bounded exponential backoff, logging each retry under
// the given component tag. Returns the last error once attempts are
// exhausted or ctx is cancelled.
func (c RetryConfig) retry(ctx context.Context, component string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(op, policy, func(err error, delay time.Duration) {
		log.Printf("[%s] Transient failure, retrying in %v: %v", component, delay, err)
	})
}
