package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-taskmgr/internal/coordinator"
	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/eventsourcing"
	"go-taskmgr/internal/metrics"
	"go-taskmgr/internal/projection"
	"go-taskmgr/internal/worker"
)

// awaitRefresh is how often Await re-reads the log in read-through mode.
const awaitRefresh = time.Second

type TaskManager interface {
	Submit(ctx context.Context, task domain.Task) (domain.TaskID, error)
	Cancel(ctx context.Context, id domain.TaskID) error
	GetExecutionDetails(ctx context.Context, id domain.TaskID) (domain.TaskExecutionDetails, error)
	Await(ctx context.Context, id domain.TaskID, timeout time.Duration) (domain.TaskExecutionDetails, error)
	List(status *domain.Status) []domain.TaskExecutionDetails
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Dependencies are the adapters a node is built from.
type Dependencies struct {
	EventLog ports.EventLog
	Queue    ports.WorkQueue
	Bus      ports.EventBus
	Registry *worker.Registry
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
}

type Options struct {
	Hostname domain.Hostname
	// Worker enables consumption of the work queue on this node.
	Worker          bool
	ShutdownTimeout time.Duration
	AwaitTimeout    time.Duration
	MaxRetries      uint64
	InitialBackoff  time.Duration
	// ReadThrough lets queries fall back to the event log for tasks the projection
	// has not seen yet. Off, queries only read the projection.
	ReadThrough bool
}

// The Implementation
type taskManager struct {
	hostname     domain.Hostname
	log          ports.EventLog
	queue        ports.WorkQueue
	bus          ports.EventBus
	registry     *worker.Registry
	engine       *eventsourcing.Engine
	projection   *projection.Projection
	coordinator  *coordinator.Coordinator
	worker       *worker.Worker
	logger       *zap.Logger
	metrics      *metrics.Metrics
	clock        clockwork.Clock
	awaitTimeout time.Duration
	readThrough  bool

	mu    sync.Mutex
	stop  context.CancelFunc
	group *errgroup.Group
}

// Constructor
func NewTaskManager(deps Dependencies, opts Options) TaskManager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = time.Minute
	}
	logger := deps.Logger

	proj := projection.New()
	engineOpts := []eventsourcing.Option{
		eventsourcing.WithClock(deps.Clock),
		eventsourcing.WithMetrics(deps.Metrics),
		eventsourcing.WithListener(proj),
		eventsourcing.WithListener(coordinator.NewBroadcaster(deps.Bus, logger, deps.Metrics)),
	}
	if opts.MaxRetries > 0 {
		engineOpts = append(engineOpts, eventsourcing.WithRetries(opts.MaxRetries, opts.InitialBackoff))
	}
	engine := eventsourcing.NewEngine(deps.EventLog, logger, engineOpts...)

	m := &taskManager{
		hostname:     opts.Hostname,
		log:          deps.EventLog,
		queue:        deps.Queue,
		bus:          deps.Bus,
		registry:     deps.Registry,
		engine:       engine,
		projection:   proj,
		coordinator:  coordinator.NewCoordinator(proj, logger, deps.Metrics),
		logger:       logger.Named("task-manager"),
		metrics:      deps.Metrics,
		clock:        deps.Clock,
		awaitTimeout: opts.AwaitTimeout,
		readThrough:  opts.ReadThrough,
	}
	if opts.Worker {
		m.worker = worker.NewWorker(deps.Queue, engine, deps.Registry, logger, worker.Options{
			Hostname:        opts.Hostname,
			ShutdownTimeout: opts.ShutdownTimeout,
			Clock:           deps.Clock,
			Metrics:         deps.Metrics,
		})
	}
	return m
}

// Submit records the task and enqueues it for any worker of the cluster.
func (m *taskManager) Submit(ctx context.Context, task domain.Task) (domain.TaskID, error) {
	payload, err := m.registry.Serialize(task)
	if err != nil {
		return "", err
	}

	id := domain.NewTaskID()
	logger := m.logger.With(zap.String("task_id", id.String()), zap.String("task_type", task.Type()))

	// 1. Durable record first, the queue message only points at it
	if _, err := m.engine.Dispatch(ctx, id, domain.Create{
		TaskType:    task.Type(),
		Payload:     payload,
		SubmittedOn: m.hostname,
	}); err != nil {
		return "", fmt.Errorf("cannot create task: %w", err)
	}

	// 2. Hand it to the workers
	body, err := worker.EncodeWorkMessage(id, task.Type(), payload)
	if err == nil {
		err = m.queue.Push(ctx, body)
	}
	if err != nil {
		logger.Error("cannot enqueue task, cancelling it", zap.Error(err))
		m.abandon(ctx, id, "work queue unavailable")
		if !errors.Is(err, domain.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
		}
		return "", fmt.Errorf("cannot enqueue task %s: %w", id, err)
	}

	m.metrics.TasksSubmitted.Inc()
	logger.Info("task submitted")
	return id, nil
}

// abandon cancels a task nobody will ever execute, so it does not wait forever.
func (m *taskManager) abandon(ctx context.Context, id domain.TaskID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := m.engine.Dispatch(ctx, id, domain.RequestCancel{RequestedBy: m.hostname}); err != nil {
		m.logger.Error("cannot request cancel of abandoned task", zap.String("task_id", id.String()), zap.Error(err))
		return
	}
	if _, err := m.engine.Dispatch(ctx, id, domain.Cancel{Info: domain.AdditionalInformation{"reason": reason}}); err != nil {
		m.logger.Error("cannot cancel abandoned task", zap.String("task_id", id.String()), zap.Error(err))
	}
}

// Cancel records the request and signals the node running the task. Cancelling a
// finished task is a no-op.
func (m *taskManager) Cancel(ctx context.Context, id domain.TaskID) error {
	res, err := m.engine.Dispatch(ctx, id, domain.RequestCancel{RequestedBy: m.hostname})
	if err != nil {
		return err
	}
	logger := m.logger.With(zap.String("task_id", id.String()))
	if res.Aggregate.Status.IsTerminal() {
		logger.Info("task already finished, nothing to cancel", zap.String("status", string(res.Aggregate.Status)))
		return nil
	}

	if m.worker != nil {
		m.worker.CancelRunning(id)
	}
	msg, err := worker.EncodeCancelRequest(id, m.hostname)
	if err != nil {
		return err
	}
	if err := m.bus.PublishCancelRequest(ctx, msg); err != nil {
		// The request is durable, only the running body is not interrupted.
		logger.Warn("cannot broadcast cancel request", zap.Error(err))
		return fmt.Errorf("cancel of task %s recorded but not broadcast: %w", id, err)
	}
	logger.Info("cancel requested")
	return nil
}

// GetExecutionDetails reads the local projection, which is eventually consistent:
// a task submitted on another node may briefly be unknown. With ReadThrough such a
// task is looked up in the log, and an unreachable store then yields
// domain.ErrStoreUnavailable instead of domain.ErrTaskNotFound.
func (m *taskManager) GetExecutionDetails(ctx context.Context, id domain.TaskID) (domain.TaskExecutionDetails, error) {
	if d, ok := m.projection.Get(id); ok {
		return d, nil
	}
	if m.readThrough {
		if err := m.refresh(ctx, id); err != nil {
			return domain.TaskExecutionDetails{}, err
		}
		if d, ok := m.projection.Get(id); ok {
			return d, nil
		}
	}
	return domain.TaskExecutionDetails{}, domain.NewTaskNotFoundError(id)
}

// Await blocks until the task is terminal. A non positive timeout means the default one.
// With ReadThrough the log is re-read periodically, in case a broadcast was lost.
func (m *taskManager) Await(ctx context.Context, id domain.TaskID, timeout time.Duration) (domain.TaskExecutionDetails, error) {
	if _, err := m.GetExecutionDetails(ctx, id); err != nil {
		return domain.TaskExecutionDetails{}, err
	}
	if timeout <= 0 {
		timeout = m.awaitTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, domain.ErrTimeout)
	defer cancel()

	if m.readThrough {
		go m.refreshUntilDone(ctx, id)
	}

	d, err := m.projection.Await(ctx, id)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, domain.ErrTimeout) {
			return d, fmt.Errorf("task %s not finished after %s: %w", id, timeout, cause)
		}
		return d, err
	}
	return d, nil
}

func (m *taskManager) refreshUntilDone(ctx context.Context, id domain.TaskID) {
	ticker := m.clock.NewTicker(awaitRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.refresh(ctx, id); err != nil && ctx.Err() == nil {
				m.logger.Warn("cannot refresh task", zap.String("task_id", id.String()), zap.Error(err))
			}
		}
	}
}

// refresh folds the stream of one task from the log into the projection.
func (m *taskManager) refresh(ctx context.Context, id domain.TaskID) error {
	events, err := m.log.ReadStream(ctx, id)
	if err != nil {
		return err
	}
	m.projection.Apply(events...)
	return nil
}

func (m *taskManager) List(status *domain.Status) []domain.TaskExecutionDetails {
	return m.projection.List(status)
}

// Start subscribes to the cluster, rebuilds the projection and starts the node loops.
func (m *taskManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return errors.New("task manager already started")
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	// Subscribe before the rebuild, so no event falls in between.
	events, err := m.bus.SubscribeToEvents(runCtx)
	if err != nil {
		stop()
		return fmt.Errorf("cannot subscribe to events: %w", err)
	}
	var cancels <-chan []byte
	if m.worker != nil {
		cancels, err = m.bus.SubscribeToCancelRequests(runCtx)
		if err != nil {
			stop()
			return fmt.Errorf("cannot subscribe to cancel requests: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		m.coordinator.Consume(gctx, events)
		return nil
	})

	n, err := m.projection.Rebuild(ctx, m.log)
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	m.logger.Info("projection rebuilt", zap.Int("events", n), zap.Int("tasks", len(m.projection.List(nil))))

	if m.worker != nil {
		g.Go(func() error {
			m.worker.ListenForCancelRequests(gctx, cancels)
			return nil
		})
		g.Go(func() error {
			return m.worker.Run(gctx)
		})
	}

	m.stop, m.group = stop, g
	m.logger.Info("task manager started", zap.Bool("worker", m.worker != nil))
	return nil
}

// Shutdown stops the node loops. A task running on this node is force cancelled.
func (m *taskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	stop, g := m.stop, m.group
	m.mu.Unlock()
	if stop == nil {
		return nil
	}

	m.logger.Info("task manager shutting down")
	stop()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		m.logger.Info("task manager stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}
