// Package broker provides the at-least-once task queue used by the
// pipeline: three strictly separated queues, static task routing, late
// acknowledgment with redelivery, and exponential-backoff retries.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/forgelabs/indexforge/internal/models"
)

// Queue names. Each queue gets its own worker pool so resource profiles
// never interfere: maintenance work can never delay an embedding task.
const (
	QueueEmbedding   = "embedding"
	QueueIndexing    = "indexing"
	QueueMaintenance = "maintenance"
)

// Queues lists all queues in priority order.
var Queues = []string{QueueEmbedding, QueueIndexing, QueueMaintenance}

// ErrClosed is returned when consuming from a closed broker.
var ErrClosed = errors.New("broker: closed")

// RetryPolicy controls backoff for retryable task failures.
type RetryPolicy struct {
	// Base is the first retry delay; each retry doubles it.
	Base time.Duration

	// MaxRetries caps retry attempts before a task fails terminally.
	MaxRetries int
}

// DefaultRetryPolicy matches the pipeline contract: base 60s, cap 3.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 60 * time.Second, MaxRetries: 3}
}

// Delay returns the backoff before the given (1-based) retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Broker is the task queue contract: at-least-once delivery, per-queue
// ordering, late acknowledgment, and delayed scheduling.
type Broker interface {
	// Enqueue routes the task by type and makes it deliverable now.
	Enqueue(ctx context.Context, task *models.Task) (string, error)

	// Schedule routes the task and makes it deliverable at runAt.
	Schedule(ctx context.Context, task *models.Task, runAt time.Time) (string, error)

	// Consume blocks until a task is available on the queue. The task is
	// only removed after the returned delivery is acknowledged; an unacked
	// delivery is redelivered after the ack timeout.
	Consume(ctx context.Context, queue string) (*Delivery, error)

	// QueueDepth reports ready plus delayed tasks on a queue.
	QueueDepth(ctx context.Context, queue string) (int64, error)

	Close() error
}

// Delivery is one claimed task awaiting acknowledgment.
type Delivery struct {
	Task *models.Task

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, retryable bool, reason string) error
}

// Ack marks the task succeeded and removes it from the queue.
func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Nack reports a failed execution. Retryable failures are redelivered
// with exponential backoff until the retry cap; everything else fails
// terminally and is surfaced to the terminal-failure hook.
func (d *Delivery) Nack(ctx context.Context, retryable bool, reason string) error {
	return d.nack(ctx, retryable, reason)
}

// retryableError marks an error as transient.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so the worker pool redelivers the task instead of
// failing it terminally.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was wrapped by Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
