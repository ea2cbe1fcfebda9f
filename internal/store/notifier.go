package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes document change notifications for external
// subscribers on Redis Pub/Sub channels. Delivery is best effort
// (at-most-once): a failure here never blocks repository or cache
// consistency.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier creates a notifier.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

// Publish sends the payload to all current subscribers of the topic.
func (n *RedisNotifier) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := n.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
