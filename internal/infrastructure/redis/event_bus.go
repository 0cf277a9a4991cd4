package redis

import (
	"context"
	"fmt"

	"go-taskmgr/internal/domain"

	"github.com/redis/go-redis/v9"
)

type RedisEventBus struct {
	client        *redis.Client
	eventsChannel string
	cancelChannel string
}

func NewRedisEventBus(client *redis.Client, eventsChannel, cancelChannel string) *RedisEventBus {
	return &RedisEventBus{
		client:        client,
		eventsChannel: eventsChannel,
		cancelChannel: cancelChannel,
	}
}

// PublishEvent broadcasts an encoded task event to the network
func (b *RedisEventBus) PublishEvent(ctx context.Context, payload []byte) error {
	return b.publish(ctx, b.eventsChannel, payload)
}

// PublishCancelRequest broadcasts a cancel request to every node
func (b *RedisEventBus) PublishCancelRequest(ctx context.Context, payload []byte) error {
	return b.publish(ctx, b.cancelChannel, payload)
}

// SubscribeToEvents opens a continuous stream for the Coordinator
func (b *RedisEventBus) SubscribeToEvents(ctx context.Context) (<-chan []byte, error) {
	return b.subscribe(ctx, b.eventsChannel)
}

// SubscribeToCancelRequests opens a continuous stream for the Worker
func (b *RedisEventBus) SubscribeToCancelRequests(ctx context.Context) (<-chan []byte, error) {
	return b.subscribe(ctx, b.cancelChannel)
}

func (b *RedisEventBus) publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish to %q: %w", domain.ErrBrokerUnavailable, channel, err)
	}
	return nil
}

func (b *RedisEventBus) subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation, so no message published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe to %q: %w", domain.ErrBrokerUnavailable, channel, err)
	}

	msgChan := make(chan []byte)

	// Forward Redis messages to our Go channel until shutdown
	go func() {
		defer close(msgChan)
		defer pubsub.Close()
		redisChan := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisChan:
				if !ok {
					return
				}
				select {
				case msgChan <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return msgChan, nil
}
