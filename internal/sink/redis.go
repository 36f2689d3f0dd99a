package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/florianilch/hcbridge/internal/eventstream"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "hcbridge:events"

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher. An empty channel selects DefaultRedisChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Handle publishes ev. Failures are logged; the event is not retried.
func (p *RedisPublisher) Handle(ctx context.Context, ev eventstream.Event) {
	if err := p.Publish(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "failed to publish event to redis", "channel", p.channel, "event", ev.Event, "error", err)
	}
}

// Publish sends ev as JSON on the channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev eventstream.Event) error {
	payload, err := encode(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
