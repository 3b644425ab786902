package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/indexforge/internal/models"
)

// Requires a running Redis; configure with INDEXFORGE_TEST_REDIS.
func newTestRedis(t *testing.T, opts RedisOptions) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	addr := os.Getenv("INDEXFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("INDEXFORGE_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())

	r := NewRedis(client, opts)
	t.Cleanup(func() {
		r.Close()
		client.FlushDB(context.Background())
		client.Close()
	})
	return r
}

func TestRedisEnqueueConsumeAck(t *testing.T) {
	r := newTestRedis(t, RedisOptions{})
	ctx := context.Background()

	id, err := r.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch, Payload: []byte("p")})
	require.NoError(t, err)

	depth, err := r.QueueDepth(ctx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	consumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	delivery, err := r.Consume(consumeCtx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, id, delivery.Task.ID)
	assert.Equal(t, []byte("p"), delivery.Task.Payload)
	require.NoError(t, delivery.Ack(ctx))

	depth, err = r.QueueDepth(ctx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRedisScheduledPromotion(t *testing.T) {
	r := newTestRedis(t, RedisOptions{JanitorInterval: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := r.Schedule(ctx, &models.Task{Type: models.TaskCleanup}, time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)

	depth, err := r.QueueDepth(ctx, QueueMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "delayed tasks count toward depth")

	consumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	delivery, err := r.Consume(consumeCtx, QueueMaintenance)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCleanup, delivery.Task.Type)
	require.NoError(t, delivery.Ack(ctx))
}

func TestRedisReclaimAfterAckTimeout(t *testing.T) {
	r := newTestRedis(t, RedisOptions{
		AckTimeout:      time.Second,
		JanitorInterval: 50 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := r.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	firstCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	first, err := r.Consume(firstCtx, QueueEmbedding)
	require.NoError(t, err)
	// Simulate a crashed worker: never ack.

	secondCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	second, err := r.Consume(secondCtx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, first.Task.ID, second.Task.ID)
	assert.Equal(t, 0, second.Task.Retries, "ack-timeout redelivery is not a retry")
	require.NoError(t, second.Ack(ctx))
}

func TestRedisNackRetryThenTerminal(t *testing.T) {
	r := newTestRedis(t, RedisOptions{
		Retry:           RetryPolicy{Base: 50 * time.Millisecond, MaxRetries: 1},
		JanitorInterval: 25 * time.Millisecond,
	})
	ctx := context.Background()

	terminal := make(chan string, 1)
	r.TerminalFunc = func(_ *models.Task, reason string) { terminal <- reason }

	_, err := r.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	firstCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	delivery, err := r.Consume(firstCtx, QueueEmbedding)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(ctx, true, "model timeout"))

	retryCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	retried, err := r.Consume(retryCtx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Task.Retries)
	require.NoError(t, retried.Nack(ctx, true, "model timeout again"))

	select {
	case reason := <-terminal:
		assert.Equal(t, "model timeout again", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal hook not called")
	}
}
