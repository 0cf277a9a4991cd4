// Package coordinator connects the node to the cluster wide event broadcast.
package coordinator

import (
	"context"

	"go.uber.org/zap"

	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/metrics"
)

// Applier receives the decoded events, usually the local projection.
type Applier interface {
	Apply(events ...domain.Event) bool
}

// Coordinator folds the events announced by other nodes into the local read model.
type Coordinator struct {
	applier Applier
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(applier Applier, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Coordinator{
		applier: applier,
		logger:  logger.Named("coordinator"),
		metrics: m,
	}
}

// Consume blocks until ctx is done or messages is closed. Call it in a goroutine.
func (c *Coordinator) Consume(ctx context.Context, messages <-chan []byte) {
	c.logger.Info("coordinator started, listening for events")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator shutting down")
			return

		case raw, ok := <-messages:
			if !ok {
				c.logger.Info("event subscription closed")
				return
			}
			c.handle(raw)
		}
	}
}

// handle drops malformed messages, one bad payload never stops the subscriber
func (c *Coordinator) handle(raw []byte) {
	event, err := domain.DecodeEvent(raw)
	if err != nil {
		c.metrics.MessagesDropped.WithLabelValues("malformed_event").Inc()
		c.logger.Warn("dropping malformed event", zap.Error(err), zap.Int("size", len(raw)))
		return
	}
	if c.applier.Apply(event) {
		c.logger.Debug("remote event applied",
			zap.String("task_id", event.AggregateID().String()),
			zap.String("type", string(event.Type())),
			zap.Int64("event_id", int64(event.EventID())),
		)
	}
}
