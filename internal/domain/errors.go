package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by an event log when the stream moved past the expected version.
	ErrVersionConflict   = errors.New("event stream version conflict")
	ErrTaskAlreadyExists = errors.New("task already exists")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTimeout           = errors.New("timeout waiting for task")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrStoreUnavailable  = errors.New("event store unavailable")
)

// ConcurrencyError means optimistic retries were exhausted. It indicates an unexpected
// number of concurrent writers on a single aggregate and needs investigation.
type ConcurrencyError struct {
	TaskID   TaskID
	Attempts int
	Err      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("task %s: giving up after %d conflicting appends: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// DeserializationError is returned for unknown type names and malformed bytes.
type DeserializationError struct {
	Kind string // "task", "event", "message"
	Type string
	Err  error
}

func (e *DeserializationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("cannot deserialize %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("cannot deserialize %s of type %q: %v", e.Kind, e.Type, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

type TaskNotFoundError struct {
	TaskID TaskID
}

func NewTaskNotFoundError(id TaskID) error {
	return &TaskNotFoundError{TaskID: id}
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

func (e *TaskNotFoundError) Is(target error) bool {
	return target == ErrTaskNotFound
}

// TaskExecutionError wraps an error returned, or a panic raised, by a task body.
type TaskExecutionError struct {
	TaskID TaskID
	Type   string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %v", e.TaskID, e.Type, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }
