package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"

	"go-taskmgr/internal/domain"
)

const (
	CompletedTaskType = "completed"
	FailedTaskType    = "failed"
	SleepTaskType     = "sleep"
)

// CompletedTask does nothing and succeeds.
type CompletedTask struct{}

func (*CompletedTask) Type() string { return CompletedTaskType }

func (*CompletedTask) Run(context.Context) (domain.Result, error) {
	return domain.ResultCompleted, nil
}

// FailedTask always fails with Message.
type FailedTask struct {
	Message string `json:"message"`
}

func (*FailedTask) Type() string { return FailedTaskType }

func (t *FailedTask) Run(context.Context) (domain.Result, error) {
	msg := t.Message
	if msg == "" {
		msg = "task failed on purpose"
	}
	return "", errors.New(msg)
}

// SleepTask waits for DurationMs, checking for cancellation at every Step.
type SleepTask struct {
	DurationMs int64 `json:"durationMs"`

	elapsedMs atomic.Int64
}

func (*SleepTask) Type() string { return SleepTaskType }

func (t *SleepTask) Run(ctx context.Context) (domain.Result, error) {
	const step = 50 * time.Millisecond
	total := time.Duration(t.DurationMs) * time.Millisecond
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	start := time.Now()
	for {
		elapsed := time.Since(start)
		t.elapsedMs.Store(elapsed.Milliseconds())
		if elapsed >= total {
			return domain.ResultCompleted, nil
		}
		select {
		case <-ctx.Done():
			return domain.ResultPartial, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *SleepTask) Details() domain.AdditionalInformation {
	return domain.AdditionalInformation{
		"durationMs": t.DurationMs,
		"elapsedMs":  t.elapsedMs.Load(),
	}
}
