package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// subBuffer is the per-subscriber queue. A subscriber that falls this far
// behind loses messages instead of stalling the pub/sub connection.
const subBuffer = 128

// SignalBus implements domain.SignalBus using Redis Pub/Sub. Delivery is
// best effort; durable completion events go through the message broker.
// Channel names are namespaced on the wire and reported bare to subscribers.
type SignalBus struct {
	c *Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

// Publish sends payload on the namespaced channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.Key("bus", channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel, which may be a glob
// pattern. The returned channel is closed when ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	wire := sb.c.Key("bus", channel)
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.c.rdb.PSubscribe(ctx, wire)
	} else {
		pubsub = sb.c.rdb.Subscribe(ctx, wire)
	}
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
