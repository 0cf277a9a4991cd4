package ports

import (
	"context"

	"go-taskmgr/internal/domain"
)

// EventLog is the durable, append-only store of task events.
type EventLog interface {
	// Append stores events after expectedVersion, the version of the stream the caller
	// folded. It returns domain.ErrVersionConflict if the stream moved on meanwhile.
	Append(ctx context.Context, id domain.TaskID, expectedVersion domain.EventID, events []domain.Event) error

	// ReadStream returns the events of one aggregate ordered by event id.
	ReadStream(ctx context.Context, id domain.TaskID) ([]domain.Event, error)

	// ReadAll returns every stored event, each stream in order. Used to rebuild projections.
	ReadAll(ctx context.Context) ([]domain.Event, error)
}

// Delivery is one message taken from the work queue.
type Delivery struct {
	ID      string
	Body    []byte
	ack     func(ctx context.Context) error
	release func(ctx context.Context) error
}

// NewDelivery wraps a popped message. release may be nil when the broker redelivers
// unacknowledged messages on its own.
func NewDelivery(id string, body []byte, ack, release func(ctx context.Context) error) *Delivery {
	return &Delivery{ID: id, Body: body, ack: ack, release: release}
}

// Ack removes the message from the queue. Unacknowledged messages are redelivered.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Release gives the message back to the queue unprocessed, for another consumer.
func (d *Delivery) Release(ctx context.Context) error {
	if d.release == nil {
		return nil
	}
	return d.release(ctx)
}

// WorkQueue is a durable queue with competing consumers.
type WorkQueue interface {
	// Push appends a message to the end of the queue
	Push(ctx context.Context, body []byte) error

	// Pop blocks until a message is available or ctx is done
	Pop(ctx context.Context) (*Delivery, error)
}

// EventBus is the fan-out side of the broker, every subscriber receives every message.
type EventBus interface {
	// PublishEvent announces an appended task event to the cluster.
	PublishEvent(ctx context.Context, payload []byte) error

	// SubscribeToEvents opens a stream of event announcements, closed when ctx is done.
	SubscribeToEvents(ctx context.Context) (<-chan []byte, error)

	// PublishCancelRequest asks the node running a task to stop it.
	PublishCancelRequest(ctx context.Context, payload []byte) error

	// SubscribeToCancelRequests opens a stream of cancel requests, closed when ctx is done.
	SubscribeToCancelRequests(ctx context.Context) (<-chan []byte, error)
}

// EventListener observes events after they were durably appended.
type EventListener interface {
	OnEvents(ctx context.Context, events []domain.Event)
}
