// Package projection keeps the local read model of task execution details.
package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"
)

// Projection folds every event the node observes, produced locally or received from
// the cluster, into TaskExecutionDetails. Events are deduplicated by event id and folded
// in order, so echoes and reordering of broadcasts converge to the state of the log.
type Projection struct {
	mu      sync.RWMutex
	tasks   map[domain.TaskID]*entry
	changed chan struct{}
}

type entry struct {
	seen    map[domain.EventID]struct{}
	events  []domain.Event
	details domain.TaskExecutionDetails
}

func New() *Projection {
	return &Projection{
		tasks:   make(map[domain.TaskID]*entry),
		changed: make(chan struct{}),
	}
}

// OnEvents implements ports.EventListener.
func (p *Projection) OnEvents(_ context.Context, events []domain.Event) {
	p.Apply(events...)
}

// Apply folds the events and reports whether any of them was new.
func (p *Projection) Apply(events ...domain.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	dirty := make(map[domain.TaskID]*entry)
	for _, e := range events {
		id := e.AggregateID()
		en, ok := p.tasks[id]
		if !ok {
			en = &entry{seen: make(map[domain.EventID]struct{})}
			p.tasks[id] = en
		}
		if _, dup := en.seen[e.EventID()]; dup {
			continue
		}
		en.seen[e.EventID()] = struct{}{}
		en.events = append(en.events, e)
		dirty[id] = en
	}

	for id, en := range dirty {
		en.details = domain.Fold(id, en.events).Details()
	}
	if len(dirty) > 0 {
		close(p.changed)
		p.changed = make(chan struct{})
	}
	return len(dirty) > 0
}

func (p *Projection) Get(id domain.TaskID) (domain.TaskExecutionDetails, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	en, ok := p.tasks[id]
	if !ok {
		return domain.TaskExecutionDetails{}, false
	}
	return en.details, true
}

// List returns a snapshot ordered by submission time, optionally filtered by status.
func (p *Projection) List(status *domain.Status) []domain.TaskExecutionDetails {
	p.mu.RLock()
	out := make([]domain.TaskExecutionDetails, 0, len(p.tasks))
	for _, en := range p.tasks {
		if status == nil || en.details.Status == *status {
			out = append(out, en.details)
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedOn.Equal(out[j].SubmittedOn) {
			return out[i].SubmittedOn.Before(out[j].SubmittedOn)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Changed returns a channel closed on the next update.
func (p *Projection) Changed() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changed
}

// Await blocks until the task reaches a terminal status or ctx is done.
func (p *Projection) Await(ctx context.Context, id domain.TaskID) (domain.TaskExecutionDetails, error) {
	for {
		p.mu.RLock()
		changed := p.changed
		en, ok := p.tasks[id]
		var details domain.TaskExecutionDetails
		if ok {
			details = en.details
		}
		p.mu.RUnlock()

		if ok && details.IsTerminal() {
			return details, nil
		}
		select {
		case <-ctx.Done():
			return details, ctx.Err()
		case <-changed:
		}
	}
}

// Rebuild replays the full event log, the projection is disposable local state.
func (p *Projection) Rebuild(ctx context.Context, log ports.EventLog) (int, error) {
	events, err := log.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot rebuild projection: %w", err)
	}
	p.Apply(events...)
	return len(events), nil
}
