package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/infrastructure/redis"
)

func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := redis.NewRedisClient(context.Background(), server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRedisClient_Unavailable(t *testing.T) {
	t.Parallel()

	_, err := redis.NewRedisClient(context.Background(), "127.0.0.1:1")
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestRedisQueue_PushPopAck(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newClient(t)
	opts := redis.QueueOptions{Stream: "tasks:work", Group: "workers", BlockTimeout: 100 * time.Millisecond}

	opts.Consumer = "node-a"
	nodeA, err := redis.NewRedisQueue(ctx, client, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	opts.Consumer = "node-b"
	nodeB, err := redis.NewRedisQueue(ctx, client, opts, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, nodeA.Push(ctx, []byte("first")))
	require.NoError(t, nodeA.Push(ctx, []byte("second")))

	d1, err := nodeA.Pop(ctx)
	require.NoError(t, err)
	d2, err := nodeB.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(d1.Body))
	assert.Equal(t, "second", string(d2.Body))
	require.NoError(t, d1.Ack(ctx))
	require.NoError(t, d2.Ack(ctx))

	pending, err := client.XPending(ctx, "tasks:work", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	popCtx, popCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer popCancel()
	_, err = nodeA.Pop(popCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueue_ReclaimsAbandonedMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newClient(t)
	opts := redis.QueueOptions{Stream: "tasks:work", Group: "workers", BlockTimeout: 50 * time.Millisecond}

	opts.Consumer = "crashed"
	crashed, err := redis.NewRedisQueue(ctx, client, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	opts.Consumer = "alive"
	opts.ClaimIdle = time.Millisecond
	alive, err := redis.NewRedisQueue(ctx, client, opts, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, crashed.Push(ctx, []byte("x")))
	lost, err := crashed.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", string(lost.Body))
	// Released messages stay pending on Redis, they are reclaimed as well.
	require.NoError(t, lost.Release(ctx))

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := alive.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", string(reclaimed.Body))
	assert.Equal(t, lost.ID, reclaimed.ID)
	require.NoError(t, reclaimed.Ack(ctx))

	pending, err := client.XPending(ctx, "tasks:work", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisEventBus_FanOut(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newClient(t)
	bus := redis.NewRedisEventBus(client, "tasks:events", "tasks:cancel")

	sub1, err := bus.SubscribeToEvents(ctx)
	require.NoError(t, err)
	sub2, err := bus.SubscribeToEvents(ctx)
	require.NoError(t, err)
	cancels, err := bus.SubscribeToCancelRequests(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishEvent(ctx, []byte(`{"type":"started"}`)))
	require.NoError(t, bus.PublishCancelRequest(ctx, []byte(`{"taskId":"x"}`)))

	for _, sub := range []<-chan []byte{sub1, sub2} {
		select {
		case msg := <-sub:
			assert.Equal(t, `{"type":"started"}`, string(msg))
		case <-ctx.Done():
			t.Fatal("timeout")
		}
	}
	select {
	case msg := <-cancels:
		assert.Equal(t, `{"taskId":"x"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("timeout")
	}
}
