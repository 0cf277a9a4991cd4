package domain

import "time"

// TaskExecutionDetails is the queryable view of a task. It is derived from the
// event log and may lag behind it.
type TaskExecutionDetails struct {
	TaskID                TaskID                `json:"taskId"`
	Type                  string                `json:"type"`
	Status                Status                `json:"status"`
	SubmittedOn           time.Time             `json:"submittedOn"`
	SubmittedNode         Hostname              `json:"submittedNode"`
	StartedOn             *time.Time            `json:"startedOn,omitempty"`
	RanNode               Hostname              `json:"ranNode,omitempty"`
	CompletedOn           *time.Time            `json:"completedOn,omitempty"`
	FailedOn              *time.Time            `json:"failedOn,omitempty"`
	CancelledOn           *time.Time            `json:"cancelledOn,omitempty"`
	CancelRequestedNode   Hostname              `json:"cancelRequestedNode,omitempty"`
	Result                Result                `json:"result,omitempty"`
	ErrorMessage          string                `json:"errorMessage,omitempty"`
	Exception             string                `json:"exception,omitempty"`
	AdditionalInformation AdditionalInformation `json:"additionalInformation,omitempty"`
}

func (d TaskExecutionDetails) IsTerminal() bool {
	return d.Status.IsTerminal()
}
