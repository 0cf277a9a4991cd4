// Package memory provides in-process implementations of the broker and event log
// ports. A single instance may be shared by several nodes of one process, which is
// how multi-node behaviour is exercised in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go-taskmgr/internal/domain"
)

type EventLog struct {
	mu      sync.RWMutex
	streams map[domain.TaskID][]domain.Event
	all     []domain.Event
	failure error
}

func NewEventLog() *EventLog {
	return &EventLog{streams: make(map[domain.TaskID][]domain.Event)}
}

// SetFailure makes every following call fail with err, nil restores the log.
func (l *EventLog) SetFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failure = err
}

func (l *EventLog) Append(_ context.Context, id domain.TaskID, expectedVersion domain.EventID, events []domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failure != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, l.failure)
	}
	if len(events) == 0 {
		return nil
	}

	stream := l.streams[id]
	if domain.EventID(len(stream)) != expectedVersion {
		return domain.ErrVersionConflict
	}
	for i, e := range events {
		if e.AggregateID() != id || e.EventID() != expectedVersion+domain.EventID(i+1) {
			return fmt.Errorf("task %s: event %d does not follow version %d", id, e.EventID(), expectedVersion)
		}
	}
	l.streams[id] = append(stream, events...)
	l.all = append(l.all, events...)
	return nil
}

func (l *EventLog) ReadStream(_ context.Context, id domain.TaskID) ([]domain.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.failure != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, l.failure)
	}
	return append([]domain.Event(nil), l.streams[id]...), nil
}

func (l *EventLog) ReadAll(_ context.Context) ([]domain.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.failure != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, l.failure)
	}
	return append([]domain.Event(nil), l.all...), nil
}
