package domain

import "fmt"

type Status string

const (
	StatusWaiting         Status = "WAITING"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusWaiting, StatusInProgress, StatusCancelRequested, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}
