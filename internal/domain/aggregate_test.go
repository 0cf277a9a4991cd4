package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-taskmgr/internal/domain"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// decide runs cmd against the aggregate folded from history and returns history extended
// by the decided events.
func decide(t *testing.T, id domain.TaskID, history []domain.Event, cmd domain.Command) []domain.Event {
	t.Helper()
	events, err := cmd.Decide(domain.Fold(id, history), now)
	require.NoError(t, err)
	return append(history, events...)
}

func created(t *testing.T, id domain.TaskID) []domain.Event {
	t.Helper()
	return decide(t, id, nil, domain.Create{TaskType: "completed", Payload: []byte(`{}`), SubmittedOn: "node-a"})
}

func TestAggregate_HappyPath(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := created(t, id)
	a := domain.Fold(id, history)
	assert.Equal(t, domain.StatusWaiting, a.Status)
	assert.Equal(t, domain.EventID(1), a.Version)
	assert.Equal(t, domain.Hostname("node-a"), a.SubmittedNode)

	history = decide(t, id, history, domain.Start{ExecutingOn: "node-b"})
	a = domain.Fold(id, history)
	assert.Equal(t, domain.StatusInProgress, a.Status)
	assert.Equal(t, domain.Hostname("node-b"), a.RanNode)
	require.NotNil(t, a.StartedOn)

	history = decide(t, id, history, domain.Complete{Result: domain.ResultPartial, Info: domain.AdditionalInformation{"processed": 3}})
	a = domain.Fold(id, history)
	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, domain.ResultPartial, a.Result)
	assert.Equal(t, 3, a.AdditionalInformation["processed"])
	assert.Equal(t, domain.EventID(3), a.Version)
	for i, e := range history {
		assert.Equal(t, domain.EventID(i+1), e.EventID())
		assert.Equal(t, id, e.AggregateID())
	}
}

func TestAggregate_CreateTwice(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := created(t, id)
	_, err := domain.Create{TaskType: "completed"}.Decide(domain.Fold(id, history), now)
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyExists)
}

func TestAggregate_CommandOnUnknownTask(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	for _, cmd := range []domain.Command{
		domain.Start{ExecutingOn: "n"},
		domain.RequestCancel{RequestedBy: "n"},
		domain.Complete{Result: domain.ResultCompleted},
		domain.Fail{},
		domain.Cancel{},
		domain.ForceCancel{},
	} {
		_, err := cmd.Decide(domain.NewTaskAggregate(id), now)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound, cmd.Name())
	}
}

func TestAggregate_DuplicateCommandsAreNoOps(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	started := decide(t, id, created(t, id), domain.Start{ExecutingOn: "node-b"})

	// Duplicate start delivery.
	events, err := domain.Start{ExecutingOn: "node-c"}.Decide(domain.Fold(id, started), now)
	require.NoError(t, err)
	assert.Empty(t, events)

	terminal := map[string]domain.Command{
		"complete": domain.Complete{Result: domain.ResultCompleted},
		"fail":     domain.Fail{ErrorMessage: "boom"},
		"cancel":   domain.Cancel{},
	}
	for name, first := range terminal {
		history := decide(t, id, started, first)
		before := domain.Fold(id, history)
		for dupName, dup := range terminal {
			events, err := dup.Decide(before, now)
			require.NoError(t, err)
			assert.Empty(t, events, "%s after %s", dupName, name)
			assert.Equal(t, before, domain.Fold(id, append(history, events...)))
		}
		events, err := domain.RequestCancel{RequestedBy: "node-x"}.Decide(before, now)
		require.NoError(t, err)
		assert.Empty(t, events, "late cancel request after %s", name)
	}
}

func TestAggregate_StatusNeverLeavesTerminal(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := decide(t, id, created(t, id), domain.Start{ExecutingOn: "node-b"})
	history = decide(t, id, history, domain.Fail{ErrorMessage: "boom", Exception: "*errors.errorString: boom"})

	// Events forged past the terminal one are ignored by the fold.
	forged := append(history,
		domain.Completed{EventMeta: domain.EventMeta{Aggregate: id, ID: 4, At: now}, Result: domain.ResultCompleted},
		domain.CancelRequested{EventMeta: domain.EventMeta{Aggregate: id, ID: 5, At: now}, RequestedBy: "node-c"},
	)
	a := domain.Fold(id, forged)
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Equal(t, "boom", a.ErrorMessage)
	assert.Empty(t, a.CancelRequestedNode)
}

func TestAggregate_CancelBeforeStart(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := decide(t, id, created(t, id), domain.RequestCancel{RequestedBy: "node-c"})
	a := domain.Fold(id, history)
	assert.Equal(t, domain.StatusCancelRequested, a.Status)
	assert.False(t, a.Started)

	// The worker dequeuing it neither starts nor completes it.
	events, err := domain.Start{ExecutingOn: "node-b"}.Decide(a, now)
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = domain.Complete{Result: domain.ResultCompleted}.Decide(a, now)
	require.NoError(t, err)
	assert.Empty(t, events)

	history = decide(t, id, history, domain.Cancel{})
	a = domain.Fold(id, history)
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.Equal(t, domain.Hostname("node-c"), a.CancelRequestedNode)
}

func TestAggregate_CancelRequestDoesNotPreemptRun(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := decide(t, id, created(t, id), domain.Start{ExecutingOn: "node-b"})
	history = decide(t, id, history, domain.RequestCancel{RequestedBy: "node-c"})
	history = decide(t, id, history, domain.RequestCancel{RequestedBy: "node-d"})
	a := domain.Fold(id, history)
	assert.Equal(t, domain.StatusCancelRequested, a.Status)
	assert.Equal(t, domain.Hostname("node-d"), a.CancelRequestedNode)

	history = decide(t, id, history, domain.Complete{Result: domain.ResultCompleted})
	assert.Equal(t, domain.StatusCompleted, domain.Fold(id, history).Status)
}

func TestAggregate_ForceCancel(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := decide(t, id, created(t, id), domain.Start{ExecutingOn: "node-b"})

	events, err := domain.ForceCancel{RequestedBy: "node-b"}.Decide(domain.Fold(id, history), now)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventCancelRequested, events[0].Type())
	assert.Equal(t, domain.EventID(3), events[0].EventID())
	assert.Equal(t, domain.EventCancelled, events[1].Type())
	assert.Equal(t, domain.EventID(4), events[1].EventID())

	a := domain.Fold(id, append(history, events...))
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.Equal(t, domain.Hostname("node-b"), a.CancelRequestedNode)

	// Not started yet: nothing to force.
	events, err = domain.ForceCancel{RequestedBy: "node-b"}.Decide(domain.Fold(id, created(t, id)), now)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFold_OutOfOrder(t *testing.T) {
	t.Parallel()

	id := domain.NewTaskID()
	history := decide(t, id, created(t, id), domain.Start{ExecutingOn: "node-b"})
	history = decide(t, id, history, domain.Complete{Result: domain.ResultCompleted})

	reversed := []domain.Event{history[2], history[0], history[1]}
	assert.Equal(t, domain.Fold(id, history), domain.Fold(id, reversed))
}
