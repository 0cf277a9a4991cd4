package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-taskmgr/internal/api/dto"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/service"
	"go-taskmgr/internal/worker"
)

type TaskHandler struct {
	service  service.TaskManager
	registry *worker.Registry
}

func NewTaskHandler(svc service.TaskManager, reg *worker.Registry) *TaskHandler {
	return &TaskHandler{service: svc, registry: reg}
}

func (h *TaskHandler) SubmitTask(c *gin.Context) {
	var req dto.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	task, err := h.registry.Deserialize(req.Type, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	id, err := h.service.Submit(c.Request.Context(), task)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.SubmitTaskResponse{TaskID: id})
}

func (h *TaskHandler) ListTasks(c *gin.Context) {
	var filter *domain.Status
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		filter = &status
	}
	c.JSON(http.StatusOK, dto.ListTasksResponse{Tasks: h.service.List(filter)})
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	details, err := h.service.GetExecutionDetails(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *TaskHandler) CancelTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// AwaitTask blocks until the task is finished, ?timeout= takes a Go duration.
func (h *TaskHandler) AwaitTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "timeout must be a positive duration, e.g. 30s"})
			return
		}
		timeout = d
	}
	details, err := h.service.Await(c.Request.Context(), id, timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func taskID(c *gin.Context) (domain.TaskID, bool) {
	id, err := domain.ParseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return "", false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusRequestTimeout
	case errors.Is(err, domain.ErrBrokerUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// client went away
		status = 499
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}
