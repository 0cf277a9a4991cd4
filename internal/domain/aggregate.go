package domain

import (
	"fmt"
	"sort"
	"time"
)

// TaskAggregate is the state of one task, obtained by folding its events.
type TaskAggregate struct {
	ID      TaskID
	Version EventID
	Status  Status

	TaskType      string
	Payload       []byte
	SubmittedNode Hostname
	SubmittedOn   time.Time

	Started   bool
	RanNode   Hostname
	StartedOn *time.Time

	CancelRequestedNode Hostname

	Result                Result
	ErrorMessage          string
	Exception             string
	AdditionalInformation AdditionalInformation
	CompletedOn           *time.Time
	FailedOn              *time.Time
	CancelledOn           *time.Time
}

func NewTaskAggregate(id TaskID) *TaskAggregate {
	return &TaskAggregate{ID: id}
}

// Fold applies events in eventId order. Out of order input is sorted first.
func Fold(id TaskID, events []Event) *TaskAggregate {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EventID() < sorted[j].EventID() })

	a := NewTaskAggregate(id)
	for _, e := range sorted {
		a.Apply(e)
	}
	return a
}

func (a *TaskAggregate) Exists() bool {
	return a.Version > 0
}

// Apply folds a single event. A terminal status is never left.
func (a *TaskAggregate) Apply(e Event) {
	if e.EventID() > a.Version {
		a.Version = e.EventID()
	}
	at := e.Timestamp()

	switch ev := e.(type) {
	case Created:
		a.TaskType = ev.TaskType
		a.Payload = ev.Payload
		a.SubmittedNode = ev.SubmittedOn
		a.SubmittedOn = at
		if a.Status == "" {
			a.Status = StatusWaiting
		}
	case Started:
		if a.Status.IsTerminal() {
			return
		}
		a.Started = true
		a.RanNode = ev.ExecutingOn
		a.StartedOn = &at
		if a.Status == "" || a.Status == StatusWaiting {
			a.Status = StatusInProgress
		}
	case CancelRequested:
		if a.Status.IsTerminal() {
			return
		}
		a.CancelRequestedNode = ev.RequestedBy
		a.Status = StatusCancelRequested
	case Completed:
		if a.Status.IsTerminal() {
			return
		}
		a.Status = StatusCompleted
		a.Result = ev.Result
		a.AdditionalInformation = ev.AdditionalInformation
		a.CompletedOn = &at
	case Failed:
		if a.Status.IsTerminal() {
			return
		}
		a.Status = StatusFailed
		a.ErrorMessage = ev.ErrorMessage
		a.Exception = ev.Exception
		a.AdditionalInformation = ev.AdditionalInformation
		a.FailedOn = &at
	case Cancelled:
		if a.Status.IsTerminal() {
			return
		}
		a.Status = StatusCancelled
		a.AdditionalInformation = ev.AdditionalInformation
		a.CancelledOn = &at
	}
}

// meta returns the metadata of the n-th (1 based) event emitted by the current decision.
func (a *TaskAggregate) meta(n int, now time.Time) EventMeta {
	return EventMeta{Aggregate: a.ID, ID: a.Version + EventID(n), At: now}
}

// Command is decided against the current aggregate state. Decide is pure: it returns
// the events to append, possibly none, and never mutates the aggregate.
type Command interface {
	Name() string
	Decide(a *TaskAggregate, now time.Time) ([]Event, error)
}

type Create struct {
	TaskType    string
	Payload     []byte
	SubmittedOn Hostname
}

type Start struct {
	ExecutingOn Hostname
}

type RequestCancel struct {
	RequestedBy Hostname
}

type Complete struct {
	Result Result
	Info   AdditionalInformation
}

type Fail struct {
	Info         AdditionalInformation
	ErrorMessage string
	Exception    string
}

type Cancel struct {
	Info AdditionalInformation
}

// ForceCancel records a cancel request and the cancellation at once, it is used
// when a node shuts down while executing the task.
type ForceCancel struct {
	RequestedBy Hostname
	Info        AdditionalInformation
}

func (Create) Name() string        { return "create" }
func (Start) Name() string         { return "start" }
func (RequestCancel) Name() string { return "request-cancel" }
func (Complete) Name() string      { return "complete" }
func (Fail) Name() string          { return "fail" }
func (Cancel) Name() string        { return "cancel" }
func (ForceCancel) Name() string   { return "force-cancel" }

func (c Create) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if a.Exists() {
		return nil, fmt.Errorf("task %s: %w", a.ID, ErrTaskAlreadyExists)
	}
	if c.TaskType == "" {
		return nil, fmt.Errorf("task %s: task type is empty", a.ID)
	}
	return []Event{Created{EventMeta: a.meta(1, now), TaskType: c.TaskType, Payload: c.Payload, SubmittedOn: c.SubmittedOn}}, nil
}

func (c Start) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if !a.Exists() {
		return nil, NewTaskNotFoundError(a.ID)
	}
	if a.Status != StatusWaiting {
		return nil, nil
	}
	return []Event{Started{EventMeta: a.meta(1, now), ExecutingOn: c.ExecutingOn}}, nil
}

func (c RequestCancel) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if !a.Exists() {
		return nil, NewTaskNotFoundError(a.ID)
	}
	if a.Status.IsTerminal() {
		return nil, nil
	}
	return []Event{CancelRequested{EventMeta: a.meta(1, now), RequestedBy: c.RequestedBy}}, nil
}

func (c Complete) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if !a.Exists() {
		return nil, NewTaskNotFoundError(a.ID)
	}
	if !a.isRunning() {
		return nil, nil
	}
	return []Event{Completed{EventMeta: a.meta(1, now), Result: c.Result, AdditionalInformation: c.Info}}, nil
}

func (c Fail) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if !a.Exists() {
		return nil, NewTaskNotFoundError(a.ID)
	}
	if !a.isRunning() {
		return nil, nil
	}
	return []Event{Failed{EventMeta: a.meta(1, now), AdditionalInformation: c.Info, ErrorMessage: c.ErrorMessage, Exception: c.Exception}}, nil
}

// Decide accepts a pending cancel request of a task that never started, so a worker
// dequeuing it can close the stream without running the body.
func (c Cancel) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if !a.Exists() {
		return nil, NewTaskNotFoundError(a.ID)
	}
	if a.Status != StatusCancelRequested && a.Status != StatusInProgress {
		return nil, nil
	}
	return []Event{Cancelled{EventMeta: a.meta(1, now), AdditionalInformation: c.Info}}, nil
}

func (c ForceCancel) Decide(a *TaskAggregate, now time.Time) ([]Event, error) {
	if !a.Exists() {
		return nil, NewTaskNotFoundError(a.ID)
	}
	switch {
	case a.Status == StatusInProgress:
		return []Event{
			CancelRequested{EventMeta: a.meta(1, now), RequestedBy: c.RequestedBy},
			Cancelled{EventMeta: a.meta(2, now), AdditionalInformation: c.Info},
		}, nil
	case a.Status == StatusCancelRequested && a.Started:
		return []Event{Cancelled{EventMeta: a.meta(1, now), AdditionalInformation: c.Info}}, nil
	default:
		return nil, nil
	}
}

// isRunning is true once Started was recorded and no terminal event followed.
func (a *TaskAggregate) isRunning() bool {
	return a.Started && (a.Status == StatusInProgress || a.Status == StatusCancelRequested)
}

// Details projects the aggregate to the read model representation.
func (a *TaskAggregate) Details() TaskExecutionDetails {
	return TaskExecutionDetails{
		TaskID:                a.ID,
		Type:                  a.TaskType,
		Status:                a.Status,
		SubmittedOn:           a.SubmittedOn,
		SubmittedNode:         a.SubmittedNode,
		StartedOn:             a.StartedOn,
		RanNode:               a.RanNode,
		CompletedOn:           a.CompletedOn,
		FailedOn:              a.FailedOn,
		CancelledOn:           a.CancelledOn,
		CancelRequestedNode:   a.CancelRequestedNode,
		Result:                a.Result,
		ErrorMessage:          a.ErrorMessage,
		Exception:             a.Exception,
		AdditionalInformation: a.AdditionalInformation,
	}
}
