// Package eventsourcing dispatches task commands against the event log.
//
// Dispatch folds the stream of the aggregate, decides the command and appends the
// resulting events under optimistic concurrency. A conflicting append means another
// writer advanced the stream; the command is then decided again against the fresh
// state. The engine is the only writer of the event log.
package eventsourcing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/metrics"
)

// Result of a dispatched command.
type Result struct {
	// Aggregate is the state after the appended events.
	Aggregate *domain.TaskAggregate
	// Events appended by this dispatch, empty if the command was a no-op.
	Events []domain.Event
}

func (r Result) Changed() bool {
	return len(r.Events) > 0
}

type Engine struct {
	log            ports.EventLog
	logger         *zap.Logger
	clock          clockwork.Clock
	metrics        *metrics.Metrics
	maxRetries     uint64
	initialBackoff time.Duration
	listeners      []ports.EventListener
}

type Option func(e *Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetries bounds the number of re-decisions after a version conflict.
func WithRetries(maxRetries uint64, initialBackoff time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.initialBackoff = initialBackoff
	}
}

// WithListener registers a listener notified of every appended batch, in registration order.
func WithListener(l ports.EventListener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

func NewEngine(log ports.EventLog, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		log:            log,
		logger:         logger.Named("engine"),
		clock:          clockwork.NewRealClock(),
		maxRetries:     10,
		initialBackoff: 10 * time.Millisecond,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// Load folds the current state of the aggregate.
func (e *Engine) Load(ctx context.Context, id domain.TaskID) (*domain.TaskAggregate, error) {
	events, err := e.log.ReadStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.Fold(id, events), nil
}

func (e *Engine) Dispatch(ctx context.Context, id domain.TaskID, cmd domain.Command) (Result, error) {
	logger := e.logger.With(zap.String("task_id", id.String()), zap.String("command", cmd.Name()))

	var (
		result   Result
		attempts int
	)
	operation := func() error {
		attempts++
		aggregate, err := e.Load(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}

		events, err := cmd.Decide(aggregate, e.clock.Now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(events) == 0 {
			result = Result{Aggregate: aggregate}
			return nil
		}

		if err := e.log.Append(ctx, id, aggregate.Version, events); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				e.metrics.AppendConflicts.Inc()
				logger.Debug("append conflict, retrying", zap.Int("attempt", attempts), zap.Int64("version", int64(aggregate.Version)))
				return err
			}
			return backoff.Permanent(err)
		}

		for _, ev := range events {
			aggregate.Apply(ev)
		}
		result = Result{Aggregate: aggregate, Events: events}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.maxRetries), ctx)); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			cErr := &domain.ConcurrencyError{TaskID: id, Attempts: attempts, Err: err}
			logger.Error("optimistic concurrency retries exhausted", zap.Error(cErr))
			return Result{}, cErr
		}
		return Result{}, err
	}

	if result.Changed() {
		logger.Debug("events appended", zap.Int("count", len(result.Events)), zap.Int64("version", int64(result.Aggregate.Version)))
		e.notify(ctx, result.Events)
	}
	return result, nil
}

// notify runs detached from cancellation of the caller, the events are durable already.
func (e *Engine) notify(ctx context.Context, events []domain.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range e.listeners {
		l.OnEvents(ctx, events)
	}
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialBackoff
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}
