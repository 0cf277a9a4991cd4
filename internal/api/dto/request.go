package dto

import (
	"encoding/json"

	"go-taskmgr/internal/domain"
)

type SubmitTaskRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitTaskResponse struct {
	TaskID domain.TaskID `json:"taskId"`
}

type ListTasksResponse struct {
	Tasks []domain.TaskExecutionDetails `json:"tasks"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
