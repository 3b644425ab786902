package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/indexforge/internal/models"
)

func newTestBroker(t *testing.T, opts MemoryOptions) *Memory {
	t.Helper()
	m := NewMemory(opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRouting(t *testing.T) {
	queue, err := Route(models.TaskEmbedBatch)
	require.NoError(t, err)
	assert.Equal(t, QueueEmbedding, queue)

	queue, err = Route(models.TaskPromote)
	require.NoError(t, err)
	assert.Equal(t, QueueIndexing, queue)

	queue, err = Route(models.TaskCleanup)
	require.NoError(t, err)
	assert.Equal(t, QueueMaintenance, queue)

	_, err = Route("reindex_shard")
	assert.Error(t, err)
}

func TestMuxRejectsUnroutedAndDuplicate(t *testing.T) {
	mux := NewMux()
	handler := func(context.Context, *models.Task) error { return nil }

	require.NoError(t, mux.Handle(models.TaskEmbedBatch, handler))
	assert.Error(t, mux.Handle(models.TaskEmbedBatch, handler), "duplicate registration")
	assert.Error(t, mux.Handle("unknown_type", handler), "unrouted type")
}

func TestEnqueueConsumeAck(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{})
	ctx := context.Background()

	id, err := m.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch, Payload: []byte("p")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	depth, err := m.QueueDepth(ctx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	delivery, err := m.Consume(ctx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, id, delivery.Task.ID)
	assert.Equal(t, QueueEmbedding, delivery.Task.Queue)
	require.NoError(t, delivery.Ack(ctx))

	depth, err = m.QueueDepth(ctx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestConsumeBlocksUntilCancel(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Consume(ctx, QueueIndexing)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedeliveryAfterMissedAck(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{AckTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := m.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	first, err := m.Consume(ctx, QueueEmbedding)
	require.NoError(t, err)
	// Simulate a crashed worker: never ack.

	redeliverCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := m.Consume(redeliverCtx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, first.Task.ID, second.Task.ID)
	assert.Equal(t, 0, second.Task.Retries, "ack-timeout redelivery is not a retry")
	require.NoError(t, second.Ack(ctx))
}

func TestNackRetryWithBackoff(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{
		Retry: RetryPolicy{Base: 20 * time.Millisecond, MaxRetries: 2},
	})
	ctx := context.Background()

	_, err := m.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	delivery, err := m.Consume(ctx, QueueEmbedding)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(ctx, true, "model timeout"))

	// The retry is scheduled, not immediately deliverable.
	depth, err := m.QueueDepth(ctx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	retryCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retried, err := m.Consume(retryCtx, QueueEmbedding)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Task.Retries)
	require.NoError(t, retried.Ack(ctx))
}

func TestNackTerminalAfterRetryCap(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{
		Retry: RetryPolicy{Base: time.Millisecond, MaxRetries: 1},
	})
	ctx := context.Background()

	terminal := make(chan string, 1)
	m.TerminalFunc = func(task *models.Task, reason string) {
		terminal <- reason
	}

	_, err := m.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	delivery, err := m.Consume(ctx, QueueEmbedding)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(ctx, true, "first failure"))

	retryCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retried, err := m.Consume(retryCtx, QueueEmbedding)
	require.NoError(t, err)
	require.NoError(t, retried.Nack(ctx, true, "second failure"))

	select {
	case reason := <-terminal:
		assert.Equal(t, "second failure", reason)
	case <-time.After(time.Second):
		t.Fatal("terminal hook not called")
	}
}

func TestNackNonRetryableIsTerminal(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{})
	ctx := context.Background()

	terminal := make(chan struct{}, 1)
	m.TerminalFunc = func(*models.Task, string) { terminal <- struct{}{} }

	_, err := m.Enqueue(ctx, &models.Task{Type: models.TaskEmbedBatch})
	require.NoError(t, err)

	delivery, err := m.Consume(ctx, QueueEmbedding)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(ctx, false, "empty batch"))

	select {
	case <-terminal:
	case <-time.After(time.Second):
		t.Fatal("terminal hook not called")
	}
}

func TestScheduleDelaysDelivery(t *testing.T) {
	m := newTestBroker(t, MemoryOptions{})
	ctx := context.Background()

	_, err := m.Schedule(ctx, &models.Task{Type: models.TaskCleanup}, time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)

	depth, err := m.QueueDepth(ctx, QueueMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "scheduled tasks count toward depth")

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivery, err := m.Consume(consumeCtx, QueueMaintenance)
	require.NoError(t, err)
	require.NoError(t, delivery.Ack(ctx))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Base: time.Minute, MaxRetries: 3}
	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, 2*time.Minute, p.Delay(2))
	assert.Equal(t, 4*time.Minute, p.Delay(3))
}

func TestRetryableWrapper(t *testing.T) {
	base := errors.New("connection refused")
	assert.True(t, IsRetryable(Retryable(base)))
	assert.False(t, IsRetryable(base))
	assert.NoError(t, Retryable(nil))

	// Wrapping preserves the chain.
	assert.ErrorIs(t, Retryable(base), base)
}

func TestClosedBroker(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	require.NoError(t, m.Close())

	_, err := m.Enqueue(context.Background(), &models.Task{Type: models.TaskEmbedBatch})
	assert.ErrorIs(t, err, ErrClosed)
}
