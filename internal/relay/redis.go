package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus relays over a Redis pub/sub channel
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus uses client for both publishing and subscribing on channel
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func([]byte)) (<-chan struct{}, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	messages := pubsub.Channel()
	go func() {
		defer close(done)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handle([]byte(msg.Payload))
			}
		}
	}()
	return done, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (b *RedisBus) Close() error {
	return nil
}
