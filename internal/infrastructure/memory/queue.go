package memory

import (
	"context"
	"strconv"
	"sync"

	"go-taskmgr/internal/core/ports"
)

type message struct {
	id   string
	body []byte
}

// Queue is a FIFO with competing consumers. A released message goes back to the head.
// A popped message which is neither acked nor released can be put back with
// RequeueUnacked, which simulates a consumer crash.
type Queue struct {
	mu      sync.Mutex
	ready   []message
	unacked map[string]message
	seq     int
	signal  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{unacked: make(map[string]message), signal: make(chan struct{})}
}

// Push adds a message to the end of the queue
func (q *Queue) Push(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.ready = append(q.ready, message{id: strconv.Itoa(q.seq), body: append([]byte(nil), body...)})
	q.notifyLocked()
	return nil
}

// Pop waits for a message and hands it to exactly one consumer. A done ctx wins
// over waiting messages.
func (q *Queue) Pop(ctx context.Context) (*ports.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked[msg.id] = msg
			q.mu.Unlock()
			return ports.NewDelivery(msg.id, msg.body, q.ackFunc(msg), q.releaseFunc(msg)), nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

func (q *Queue) ackFunc(msg message) func(context.Context) error {
	return func(context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.unacked, msg.id)
		return nil
	}
}

// releaseFunc puts the message back at the head of the queue.
func (q *Queue) releaseFunc(msg message) func(context.Context) error {
	return func(context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.unacked[msg.id]; !ok {
			return nil
		}
		delete(q.unacked, msg.id)
		q.ready = append([]message{msg}, q.ready...)
		q.notifyLocked()
		return nil
	}
}

// RequeueUnacked moves every delivered but unacknowledged message back to the queue.
func (q *Queue) RequeueUnacked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.unacked)
	for id, msg := range q.unacked {
		q.ready = append(q.ready, msg)
		delete(q.unacked, id)
	}
	if n > 0 {
		q.notifyLocked()
	}
	return n
}

// Len returns the number of messages waiting for a consumer.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *Queue) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}
