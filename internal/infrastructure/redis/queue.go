package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bodyField = "body"

type QueueOptions struct {
	Stream   string
	Group    string
	Consumer string
	// BlockTimeout bounds a single XREADGROUP call, Pop keeps waiting across calls.
	BlockTimeout time.Duration
	// ClaimIdle is the idle time after which a message delivered to another,
	// presumably crashed, consumer is taken over. Zero disables reclaiming.
	ClaimIdle time.Duration
}

// RedisQueue is a work queue on a Redis stream read by a consumer group, so each
// message is delivered to one consumer and stays pending until acked.
type RedisQueue struct {
	client *redis.Client
	opts   QueueOptions
	logger *zap.Logger
}

func NewRedisQueue(ctx context.Context, client *redis.Client, opts QueueOptions, logger *zap.Logger) (*RedisQueue, error) {
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("%w: cannot create consumer group %q: %w", domain.ErrBrokerUnavailable, opts.Group, err)
	}
	return &RedisQueue{client: client, opts: opts, logger: logger.Named("redis-queue")}, nil
}

// Push appends the message to the stream
func (q *RedisQueue) Push(ctx context.Context, body []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: push to %q: %w", domain.ErrBrokerUnavailable, q.opts.Stream, err)
	}
	return nil
}

// Pop waits for the next message, abandoned messages of other consumers go first
func (q *RedisQueue) Pop(ctx context.Context) (*ports.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if q.opts.ClaimIdle > 0 {
			msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   q.opts.Stream,
				Group:    q.opts.Group,
				Consumer: q.opts.Consumer,
				MinIdle:  q.opts.ClaimIdle,
				Start:    "0-0",
				Count:    1,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, q.brokerError(ctx, err)
			}
			if len(msgs) > 0 {
				q.logger.Info("reclaimed abandoned message", zap.String("message_id", msgs[0].ID))
				return q.delivery(msgs[0]), nil
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    1,
			Block:    q.opts.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, q.brokerError(ctx, err)
		}
		for _, s := range streams {
			if len(s.Messages) > 0 {
				return q.delivery(s.Messages[0]), nil
			}
		}
	}
}

// delivery has no release hook, a released message stays pending and XAUTOCLAIM
// hands it to another consumer after ClaimIdle.
func (q *RedisQueue) delivery(msg redis.XMessage) *ports.Delivery {
	var body []byte
	if v, ok := msg.Values[bodyField].(string); ok {
		body = []byte(v)
	}
	return ports.NewDelivery(msg.ID, body, func(ctx context.Context) error {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ID)
			pipe.XDel(ctx, q.opts.Stream, msg.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: ack %s: %w", domain.ErrBrokerUnavailable, msg.ID, err)
		}
		return nil
	}, nil)
}

func (q *RedisQueue) brokerError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: read from %q: %w", domain.ErrBrokerUnavailable, q.opts.Stream, err)
}
