package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/eventsourcing"
	"go-taskmgr/internal/infrastructure/memory"
	"go-taskmgr/internal/metrics"
	"go-taskmgr/internal/worker"
)

const hostname domain.Hostname = "node-b"

// latchTask blocks until release is closed.
type latchTask struct {
	started      chan struct{}
	release      chan struct{}
	honourCancel bool
	once         sync.Once
}

func (*latchTask) Type() string { return "latch" }

func (t *latchTask) Run(ctx context.Context) (domain.Result, error) {
	t.once.Do(func() { close(t.started) })
	if t.honourCancel {
		select {
		case <-t.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else {
		<-t.release
	}
	return domain.ResultCompleted, nil
}

func (*latchTask) Details() domain.AdditionalInformation {
	return domain.AdditionalInformation{"stage": "latch"}
}

type panicTask struct{}

func (*panicTask) Type() string { return "panic" }

func (*panicTask) Run(context.Context) (domain.Result, error) {
	panic("unexpected state")
}

type countingTask struct {
	runs *atomic.Int64
}

func (*countingTask) Type() string { return "counting" }

func (t *countingTask) Run(context.Context) (domain.Result, error) {
	t.runs.Inc()
	return domain.ResultCompleted, nil
}

type fixture struct {
	log      *memory.EventLog
	queue    *memory.Queue
	engine   *eventsourcing.Engine
	worker   *worker.Worker
	registry *worker.Registry
	metrics  *metrics.Metrics
	latch    *latchTask
	runs     *atomic.Int64
}

func newFixture(t *testing.T, shutdownTimeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		log:     memory.NewEventLog(),
		queue:   memory.NewQueue(),
		metrics: metrics.New(nil),
		latch:   &latchTask{started: make(chan struct{}), release: make(chan struct{})},
		runs:    atomic.NewInt64(0),
	}
	logger := zaptest.NewLogger(t)
	f.engine = eventsourcing.NewEngine(f.log, logger)
	f.registry = worker.InitRegistry()
	f.registry.Register("latch", func([]byte) (domain.Task, error) { return f.latch, nil })
	f.registry.Register("panic", worker.JSONFactory[panicTask]())
	f.registry.Register("counting", func([]byte) (domain.Task, error) { return &countingTask{runs: f.runs}, nil })
	f.worker = worker.NewWorker(f.queue, f.engine, f.registry, logger, worker.Options{
		Hostname:        hostname,
		ShutdownTimeout: shutdownTimeout,
		Metrics:         f.metrics,
	})
	return f
}

func (f *fixture) submit(t *testing.T, taskType string, payload []byte) domain.TaskID {
	t.Helper()
	id := domain.NewTaskID()
	_, err := f.engine.Dispatch(context.Background(), id, domain.Create{TaskType: taskType, Payload: payload, SubmittedOn: "node-a"})
	require.NoError(t, err)
	body, err := worker.EncodeWorkMessage(id, taskType, payload)
	require.NoError(t, err)
	require.NoError(t, f.queue.Push(context.Background(), body))
	return id
}

func (f *fixture) processNext(t *testing.T, ctx context.Context) {
	t.Helper()
	d, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	f.worker.ProcessDelivery(ctx, d)
}

func (f *fixture) state(t *testing.T, id domain.TaskID) *domain.TaskAggregate {
	t.Helper()
	a, err := f.engine.Load(context.Background(), id)
	require.NoError(t, err)
	return a
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWorker_CompletesTask(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)
	id := f.submit(t, worker.CompletedTaskType, nil)

	f.processNext(t, ctx)

	a := f.state(t, id)
	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, domain.ResultCompleted, a.Result)
	assert.Equal(t, hostname, a.RanNode)
	assert.Equal(t, domain.Hostname("node-a"), a.SubmittedNode)
	assert.Equal(t, 0, f.queue.RequeueUnacked(), "message is acked")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TasksFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, int64(1), f.worker.Processed())
}

func TestWorker_TaskErrorAndPanicBecomeFailed(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)
	failed := f.submit(t, worker.FailedTaskType, []byte(`{"message":"disk full"}`))
	panicked := f.submit(t, "panic", nil)

	f.processNext(t, ctx)
	f.processNext(t, ctx)

	a := f.state(t, failed)
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Equal(t, "disk full", a.ErrorMessage)
	assert.Contains(t, a.Exception, "disk full")

	a = f.state(t, panicked)
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "unexpected state")
}

func TestWorker_MalformedMessagesAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)

	require.NoError(t, f.queue.Push(ctx, []byte{0xff, 0x00, 0x13}))
	require.NoError(t, f.queue.Push(ctx, []byte(`{"taskId":"not-a-uuid","type":"completed"}`)))
	unknown := domain.NewTaskID()
	require.NoError(t, f.queue.Push(ctx, []byte(`{"taskId":"`+unknown.String()+`","type":"completed"}`)))
	badType := f.submit(t, "no-such-type", []byte(`{}`))
	badPayload := f.submit(t, worker.SleepTaskType, []byte(`{"durationMs":"soon"}`))
	valid := f.submit(t, worker.CompletedTaskType, nil)

	for f.queue.Len() > 0 {
		f.processNext(t, ctx)
	}

	assert.Equal(t, 0, f.queue.RequeueUnacked(), "every message is acked")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("malformed_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("bad_task_id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("unknown_task")))

	a := f.state(t, badType)
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "unknown task type")
	assert.Equal(t, "*domain.DeserializationError", a.Exception)

	assert.Equal(t, domain.StatusFailed, f.state(t, badPayload).Status)
	assert.Equal(t, domain.StatusCompleted, f.state(t, valid).Status)
}

func TestWorker_RedeliveryRunsOnce(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)
	id := f.submit(t, "counting", nil)
	body, err := worker.EncodeWorkMessage(id, "counting", nil)
	require.NoError(t, err)
	require.NoError(t, f.queue.Push(ctx, body))

	f.processNext(t, ctx)
	f.processNext(t, ctx)

	assert.Equal(t, int64(1), f.runs.Load())
	stream, err := f.log.ReadStream(ctx, id)
	require.NoError(t, err)
	var terminal int
	for _, e := range stream {
		if domain.IsTerminalEvent(e) {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestWorker_CancelRequestedBeforeStart(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)
	id := f.submit(t, "counting", nil)
	_, err := f.engine.Dispatch(ctx, id, domain.RequestCancel{RequestedBy: "node-c"})
	require.NoError(t, err)

	f.processNext(t, ctx)

	a := f.state(t, id)
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.False(t, a.Started)
	assert.Equal(t, domain.Hostname("node-c"), a.CancelRequestedNode)
	assert.Equal(t, int64(0), f.runs.Load(), "body never runs")
}

func TestWorker_CancelRunningTask(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)
	id := f.submit(t, "latch", nil)

	requests := make(chan []byte)
	go f.worker.ListenForCancelRequests(ctx, requests)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.processNext(t, ctx)
	}()
	<-f.latch.started
	running, ok := f.worker.RunningTask()
	require.True(t, ok)
	assert.Equal(t, id, running)
	assert.Equal(t, domain.StatusInProgress, f.state(t, id).Status)

	_, err := f.engine.Dispatch(ctx, id, domain.RequestCancel{RequestedBy: "node-c"})
	require.NoError(t, err)
	requests <- []byte("garbage")
	msg, err := worker.EncodeCancelRequest(id, "node-c")
	require.NoError(t, err)
	requests <- msg
	// The listener is sequential, so the cancel request was handled once this is received.
	requests <- []byte("{}")

	// The body ignores cancellation, yet the observed signal decides the outcome.
	close(f.latch.release)
	<-done

	a := f.state(t, id)
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.Equal(t, domain.Hostname("node-c"), a.CancelRequestedNode)
	assert.Equal(t, "latch", a.AdditionalInformation["stage"])
	_, ok = f.worker.RunningTask()
	assert.False(t, ok)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("malformed_cancel_request")) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWorker_CancelOtherTaskIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	assert.False(t, f.worker.CancelRunning(domain.NewTaskID()))
}

func TestWorker_ShutdownCancelsRunningTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.latch.honourCancel = true
	id := f.submit(t, "latch", nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.worker.Run(ctx) }()

	<-f.latch.started
	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	a := f.state(t, id)
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.Equal(t, hostname, a.CancelRequestedNode)
}

func TestWorker_ShutdownAbandonsStuckTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50*time.Millisecond)
	id := f.submit(t, "latch", nil)
	defer close(f.latch.release)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.worker.Run(ctx) }()

	<-f.latch.started
	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, domain.StatusCancelled, f.state(t, id).Status)
}

func TestWorker_StoreFailureReleasesMessage(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	f := newFixture(t, time.Second)
	id := f.submit(t, worker.CompletedTaskType, nil)

	f.log.SetFailure(assert.AnError)
	d, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	err = f.worker.ProcessDelivery(ctx, d)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 1, f.queue.Len(), "message is back in the queue")
	assert.Equal(t, 0, f.queue.RequeueUnacked())

	f.log.SetFailure(nil)
	d, err = f.queue.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, f.worker.ProcessDelivery(ctx, d))
	assert.Equal(t, domain.StatusCompleted, f.state(t, id).Status)
}

func TestWorker_RunRetriesAfterStoreFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	id := f.submit(t, worker.CompletedTaskType, nil)
	f.log.SetFailure(assert.AnError)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.worker.Processed() >= 1 }, 5*time.Second, 5*time.Millisecond)
	f.log.SetFailure(nil)
	require.Eventually(t, func() bool {
		a, err := f.engine.Load(context.Background(), id)
		return err == nil && a.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-stopped)
}

func TestWorker_StoppedWorkerLeavesQueuedTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.latch.honourCancel = true
	running := f.submit(t, "latch", nil)
	queued := []domain.TaskID{
		f.submit(t, worker.CompletedTaskType, nil),
		f.submit(t, worker.CompletedTaskType, nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.worker.Run(ctx) }()
	<-f.latch.started
	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, domain.StatusCancelled, f.state(t, running).Status)
	assert.Equal(t, len(queued), f.queue.Len())
	for _, id := range queued {
		stream, err := f.log.ReadStream(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, stream, 1)
		assert.Equal(t, domain.EventCreated, stream[0].Type())
	}
}
