package memory

import (
	"context"
	"sync"
)

// EventBus fans every message out to all subscribers of the channel.
type EventBus struct {
	events *topic
	cancel *topic
}

func NewEventBus() *EventBus {
	return &EventBus{events: newTopic(), cancel: newTopic()}
}

func (b *EventBus) PublishEvent(ctx context.Context, payload []byte) error {
	return b.events.publish(ctx, payload)
}

func (b *EventBus) SubscribeToEvents(ctx context.Context) (<-chan []byte, error) {
	return b.events.subscribe(ctx), nil
}

func (b *EventBus) PublishCancelRequest(ctx context.Context, payload []byte) error {
	return b.cancel.publish(ctx, payload)
}

func (b *EventBus) SubscribeToCancelRequests(ctx context.Context) (<-chan []byte, error) {
	return b.cancel.subscribe(ctx), nil
}

type subscriber struct {
	ch   chan []byte
	done <-chan struct{}
}

type topic struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newTopic() *topic {
	return &topic{subs: make(map[*subscriber]struct{})}
}

func (t *topic) subscribe(ctx context.Context) <-chan []byte {
	sub := &subscriber{ch: make(chan []byte, 64), done: ctx.Done()}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, sub)
		close(sub.ch)
		t.mu.Unlock()
	}()
	return sub.ch
}

// publish holds the read lock while sending, so a subscriber is never closed mid send.
func (t *topic) publish(ctx context.Context, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.subs {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
