package worker

import (
	"encoding/json"
	"fmt"

	"go-taskmgr/internal/domain"
)

// WorkMessage is the body of a work queue message.
type WorkMessage struct {
	TaskID  string `json:"taskId"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func EncodeWorkMessage(id domain.TaskID, taskType string, payload []byte) ([]byte, error) {
	return json.Marshal(WorkMessage{TaskID: id.String(), Type: taskType, Payload: payload})
}

// DecodeWorkMessage only checks the envelope, the task id is validated by the caller.
func DecodeWorkMessage(body []byte) (WorkMessage, error) {
	var msg WorkMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return WorkMessage{}, &domain.DeserializationError{Kind: "message", Err: err}
	}
	return msg, nil
}

// CancelRequest is broadcast to every node, the node running the task stops it.
type CancelRequest struct {
	TaskID      domain.TaskID   `json:"taskId"`
	RequestedBy domain.Hostname `json:"requestedBy"`
}

func EncodeCancelRequest(id domain.TaskID, by domain.Hostname) ([]byte, error) {
	return json.Marshal(CancelRequest{TaskID: id, RequestedBy: by})
}

func DecodeCancelRequest(body []byte) (CancelRequest, error) {
	var req CancelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return CancelRequest{}, &domain.DeserializationError{Kind: "message", Type: "cancel-request", Err: err}
	}
	id, err := domain.ParseTaskID(req.TaskID.String())
	if err != nil {
		return CancelRequest{}, &domain.DeserializationError{Kind: "message", Type: "cancel-request", Err: fmt.Errorf("bad task id: %w", err)}
	}
	req.TaskID = id
	return req, nil
}
