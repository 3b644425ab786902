package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgelabs/indexforge/internal/models"
)

// Pool runs a fixed number of workers against one queue. Handlers come
// from a Mux; a handler error wrapped with Retryable nacks the task for
// redelivery, any other error fails it terminally.
type Pool struct {
	broker Broker
	mux    *Mux
	queue  string
	size   int

	wg sync.WaitGroup
}

// NewPool creates a worker pool of the given size for one queue.
func NewPool(b Broker, mux *Mux, queue string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{broker: b, mux: mux, queue: queue, size: size}
}

// Start launches the workers. They run until ctx is cancelled or the
// broker closes.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("starting worker pool", "queue", p.queue, "workers", p.size,
		"task_types", p.mux.HandledTypes(p.queue))
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	for {
		delivery, err := p.broker.Consume(ctx, p.queue)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return
			}
			slog.Error("consume failed", "queue", p.queue, "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		p.process(ctx, delivery)
	}
}

func (p *Pool) process(ctx context.Context, delivery *Delivery) {
	task := delivery.Task
	handler, ok := p.mux.Handler(task.Type)
	if !ok {
		// A routed type without a handler means the deployment is
		// missing a worker role; leave the task for redelivery so a
		// correctly configured process can pick it up.
		slog.Warn("no handler for task type, leaving unacked",
			"task_id", task.ID, "type", task.Type, "queue", p.queue)
		return
	}

	err := p.safeHandle(ctx, handler, task)
	if err == nil {
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			slog.Error("ack failed", "task_id", task.ID, "error", ackErr)
		}
		return
	}

	if nackErr := delivery.Nack(ctx, IsRetryable(err), err.Error()); nackErr != nil {
		slog.Error("nack failed", "task_id", task.ID, "error", nackErr)
	}
}

// safeHandle converts handler panics into terminal task failures so one
// bad task cannot take a worker down.
func (p *Pool) safeHandle(ctx context.Context, handler HandlerFunc, task *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}
