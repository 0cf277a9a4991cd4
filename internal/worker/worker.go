package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/eventsourcing"
	"go-taskmgr/internal/metrics"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("node is shutting down")
)

// finishTimeout bounds recording of the outcome, which must happen even during shutdown.
const finishTimeout = 30 * time.Second

// Dispatcher is the write path to the event log.
type Dispatcher interface {
	Dispatch(ctx context.Context, id domain.TaskID, cmd domain.Command) (eventsourcing.Result, error)
}

type Options struct {
	Hostname domain.Hostname
	// ShutdownTimeout is how long a running body may take to return after shutdown began
	ShutdownTimeout time.Duration
	Clock           clockwork.Clock
	Metrics         *metrics.Metrics
}

// Worker consumes the work queue, one task at a time.
type Worker struct {
	hostname        domain.Hostname
	queue           ports.WorkQueue
	engine          Dispatcher
	registry        *Registry
	logger          *zap.Logger
	clock           clockwork.Clock
	metrics         *metrics.Metrics
	shutdownTimeout time.Duration

	mu      sync.Mutex
	running *execution

	processed *atomic.Int64
}

type execution struct {
	id     domain.TaskID
	cancel context.CancelCauseFunc
}

func NewWorker(q ports.WorkQueue, engine Dispatcher, reg *Registry, logger *zap.Logger, opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Worker{
		hostname:        opts.Hostname,
		queue:           q,
		engine:          engine,
		registry:        reg,
		logger:          logger.Named("worker"),
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		shutdownTimeout: opts.ShutdownTimeout,
		processed:       atomic.NewInt64(0),
	}
}

// Processed returns the number of handled queue messages.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// RunningTask returns the id of the task executed right now, if any.
func (w *Worker) RunningTask() (domain.TaskID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running == nil {
		return "", false
	}
	return w.running.id, true
}

// Run pops and processes messages sequentially until ctx is done. A task running
// at that moment is cancelled and recorded as such before Run returns. Messages
// still queued are left to the other nodes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	failures := 0
	for {
		delivery, err := w.queue.Pop(ctx)
		if err == nil && ctx.Err() != nil {
			w.release(ctx, delivery)
			return nil
		}
		if err == nil {
			err = w.ProcessDelivery(ctx, delivery)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := time.Duration(min(failures, 10)) * 200 * time.Millisecond
			w.logger.Warn("work queue iteration failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-w.clock.After(delay):
			}
			continue
		}
		failures = 0
	}
}

// ProcessDelivery handles exactly ONE message. Failures are contained here, they
// never stop the consumer. An error means the message was given back to the queue
// because the event log could not be reached.
func (w *Worker) ProcessDelivery(ctx context.Context, d *ports.Delivery) error {
	defer w.processed.Inc()

	msg, err := DecodeWorkMessage(d.Body)
	if err != nil {
		w.drop(ctx, d, "malformed_message", err)
		return nil
	}
	id, err := domain.ParseTaskID(msg.TaskID)
	if err != nil {
		w.drop(ctx, d, "bad_task_id", err)
		return nil
	}
	logger := w.logger.With(zap.String("task_id", id.String()), zap.String("task_type", msg.Type))

	task, decodeErr := w.registry.Deserialize(msg.Type, msg.Payload)

	// Register before Start, so a cancel request racing with the start is not missed.
	taskCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	w.setRunning(&execution{id: id, cancel: cancel})
	defer w.clearRunning(id)

	if ctx.Err() != nil {
		w.release(ctx, d)
		return nil
	}

	// CLAIM: only the node whose Start produced the event runs the body
	start, err := w.engine.Dispatch(ctx, id, domain.Start{ExecutingOn: w.hostname})
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			w.drop(ctx, d, "unknown_task", err)
			return nil
		}
		logger.Error("cannot start task, releasing message", zap.Error(err))
		w.release(ctx, d)
		return fmt.Errorf("cannot start task %s: %w", id, err)
	}
	if err := d.Ack(ctx); err != nil {
		logger.Warn("cannot ack message", zap.Error(err))
	}

	if !start.Changed() {
		a := start.Aggregate
		if a.Status == domain.StatusCancelRequested && !a.Started {
			logger.Info("task cancelled before it started")
			w.finish(ctx, logger, id, domain.Cancel{}, domain.StatusCancelled)
			return nil
		}
		logger.Info("skipping redelivered task", zap.String("status", string(a.Status)), zap.String("ran_node", string(a.RanNode)))
		return nil
	}

	if decodeErr != nil {
		logger.Warn("cannot deserialize task", zap.Error(decodeErr))
		w.finish(ctx, logger, id, domain.Fail{
			ErrorMessage: decodeErr.Error(),
			Exception:    fmt.Sprintf("%T", decodeErr),
		}, domain.StatusFailed)
		return nil
	}

	w.execute(ctx, taskCtx, cancel, logger, id, task)
	return nil
}

type outcome struct {
	result domain.Result
	err    error
}

// execute runs the body in its own goroutine and records the outcome.
func (w *Worker) execute(ctx, taskCtx context.Context, cancel context.CancelCauseFunc, logger *zap.Logger, id domain.TaskID, task domain.Task) {
	logger.Info("task started")
	w.metrics.TasksRunning.Inc()
	defer w.metrics.TasksRunning.Dec()
	startTime := w.clock.Now()

	done := make(chan outcome, 1)
	go func() {
		done <- runBody(taskCtx, id, task)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		logger.Info("shutdown requested, cancelling running task", zap.Duration("grace", w.shutdownTimeout))
		cancel(errShutdown)
		select {
		case out = <-done:
		case <-w.clock.After(w.shutdownTimeout):
			logger.Warn("task did not honour cancellation in time, abandoning it")
			out = outcome{err: errShutdown}
		}
	}

	duration := w.clock.Since(startTime)
	w.metrics.TaskDuration.WithLabelValues(task.Type()).Observe(duration.Seconds())
	info := domain.SnapshotOf(task)

	cause := context.Cause(taskCtx)
	switch {
	case errors.Is(cause, errShutdown):
		w.finish(ctx, logger, id, domain.ForceCancel{RequestedBy: w.hostname, Info: info}, domain.StatusCancelled)
	case errors.Is(cause, errCancelRequested):
		w.finish(ctx, logger, id, domain.Cancel{Info: info}, domain.StatusCancelled)
	case out.err != nil:
		execErr := &domain.TaskExecutionError{TaskID: id, Type: task.Type(), Err: out.err}
		logger.Warn("task failed", zap.Error(execErr), zap.Duration("duration", duration))
		w.finish(ctx, logger, id, domain.Fail{
			Info:         info,
			ErrorMessage: out.err.Error(),
			Exception:    fmt.Sprintf("%T: %v", out.err, out.err),
		}, domain.StatusFailed)
	default:
		result := out.result
		if result == "" {
			result = domain.ResultCompleted
		}
		logger.Info("task succeeded", zap.String("result", string(result)), zap.Duration("duration", duration))
		w.finish(ctx, logger, id, domain.Complete{Result: result, Info: info}, domain.StatusCompleted)
	}
}

// runBody converts a panic of the body into an error.
func runBody(ctx context.Context, id domain.TaskID, task domain.Task) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("panic in task %s: %v, stacktrace: %s", id, r, debug.Stack())}
		}
	}()
	result, err := task.Run(ctx)
	return outcome{result: result, err: err}
}

// finish records the terminal command, also after ctx was cancelled by shutdown.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, id domain.TaskID, cmd domain.Command, status domain.Status) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	res, err := w.engine.Dispatch(ctx, id, cmd)
	if err != nil {
		logger.Error("cannot record task outcome", zap.String("command", cmd.Name()), zap.Error(err))
		return
	}
	if !res.Changed() {
		logger.Info("outcome already recorded", zap.String("status", string(res.Aggregate.Status)))
		return
	}
	w.metrics.TasksFinished.WithLabelValues(string(status)).Inc()
}

// ListenForCancelRequests consumes cancel broadcasts until the channel is closed.
func (w *Worker) ListenForCancelRequests(ctx context.Context, requests <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-requests:
			if !ok {
				return
			}
			req, err := DecodeCancelRequest(raw)
			if err != nil {
				w.metrics.MessagesDropped.WithLabelValues("malformed_cancel_request").Inc()
				w.logger.Warn("dropping malformed cancel request", zap.Error(err))
				continue
			}
			if w.CancelRunning(req.TaskID) {
				w.logger.Info("cancelling running task", zap.String("task_id", req.TaskID.String()), zap.String("requested_by", string(req.RequestedBy)))
			}
		}
	}
}

// CancelRunning signals the body of the task if this node executes it.
func (w *Worker) CancelRunning(id domain.TaskID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running == nil || w.running.id != id {
		return false
	}
	w.running.cancel(errCancelRequested)
	return true
}

func (w *Worker) setRunning(e *execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = e
}

func (w *Worker) clearRunning(id domain.TaskID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running != nil && w.running.id == id {
		w.running = nil
	}
}

func (w *Worker) drop(ctx context.Context, d *ports.Delivery, reason string, err error) {
	w.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	w.logger.Warn("dropping work message", zap.String("reason", reason), zap.String("message_id", d.ID), zap.Error(err))
	if err := d.Ack(ctx); err != nil {
		w.logger.Warn("cannot ack dropped message", zap.String("message_id", d.ID), zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, d *ports.Delivery) {
	if err := d.Release(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("cannot release message", zap.String("message_id", d.ID), zap.Error(err))
	}
}
