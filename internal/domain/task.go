package domain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TaskID identifies a task and its event stream. It is a UUID string.
type TaskID string

func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// ParseTaskID validates the string form of a task id.
func ParseTaskID(s string) (TaskID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid task id %q: %w", s, err)
	}
	return TaskID(id.String()), nil
}

func (id TaskID) String() string {
	return string(id)
}

// Hostname names a cluster node.
type Hostname string

type Result string

const (
	ResultCompleted Result = "COMPLETED"
	ResultPartial   Result = "PARTIAL"
)

// AdditionalInformation is a progress snapshot reported by a task.
type AdditionalInformation map[string]any

// Task is the blueprint for any background job managed by the cluster.
// Run must return promptly once ctx is cancelled.
type Task interface {
	Type() string
	Run(ctx context.Context) (Result, error)
}

// DetailsReporter is implemented by tasks exposing a progress snapshot.
type DetailsReporter interface {
	Details() AdditionalInformation
}

// SnapshotOf returns the current progress snapshot of t, or nil.
func SnapshotOf(t Task) AdditionalInformation {
	if t == nil {
		return nil
	}
	if r, ok := t.(DetailsReporter); ok {
		return r.Details()
	}
	return nil
}
