package coordinator

import (
	"context"

	"go.uber.org/zap"

	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/metrics"
)

// Broadcaster announces appended events to the cluster. It is registered as an
// engine listener. A lost broadcast leaves remote read models stale, the log stays
// correct, so failures are only logged.
type Broadcaster struct {
	bus     ports.EventBus
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewBroadcaster(bus ports.EventBus, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Broadcaster{bus: bus, logger: logger.Named("broadcaster"), metrics: m}
}

// OnEvents implements ports.EventListener.
func (b *Broadcaster) OnEvents(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		payload, err := domain.EncodeEvent(e)
		if err != nil {
			b.fail(e, err)
			continue
		}
		if err := b.bus.PublishEvent(ctx, payload); err != nil {
			b.fail(e, err)
		}
	}
}

func (b *Broadcaster) fail(e domain.Event, err error) {
	b.metrics.BroadcastFailures.Inc()
	b.logger.Warn("cannot broadcast event",
		zap.String("task_id", e.AggregateID().String()),
		zap.String("type", string(e.Type())),
		zap.Error(err),
	)
}
