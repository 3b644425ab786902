package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/indexforge/internal/models"
)

// Memory is an in-process Broker for tests and single-node development.
// Redelivery and delayed scheduling run on per-task timers.
type Memory struct {
	ackTimeout time.Duration
	retry      RetryPolicy

	// TerminalFunc, when set, receives tasks that failed terminally.
	// Set before consuming begins.
	TerminalFunc func(task *models.Task, reason string)

	mu       sync.Mutex
	queues   map[string]chan *models.Task
	inflight map[string]*inflightTask
	pending  map[string]*scheduledTask // scheduled, not yet deliverable
	closed   bool
}

type scheduledTask struct {
	task  *models.Task
	timer *time.Timer
}

type inflightTask struct {
	task  *models.Task
	timer *time.Timer
	done  bool
}

// MemoryOptions tunes the in-memory broker.
type MemoryOptions struct {
	AckTimeout time.Duration
	Retry      RetryPolicy
}

// NewMemory creates an in-memory broker with channels for every known
// queue.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	m := &Memory{
		ackTimeout: opts.AckTimeout,
		retry:      opts.Retry,
		queues:     make(map[string]chan *models.Task),
		inflight:   make(map[string]*inflightTask),
		pending:    make(map[string]*scheduledTask),
	}
	for _, q := range Queues {
		m.queues[q] = make(chan *models.Task, 4096)
	}
	return m
}

func (m *Memory) Enqueue(ctx context.Context, task *models.Task) (string, error) {
	if err := m.prepare(task); err != nil {
		return "", err
	}
	task.RunAt = time.Now().UTC()
	return task.ID, m.push(ctx, task)
}

func (m *Memory) Schedule(_ context.Context, task *models.Task, runAt time.Time) (string, error) {
	if err := m.prepare(task); err != nil {
		return "", err
	}
	task.RunAt = runAt.UTC()
	delay := time.Until(runAt)
	if delay <= 0 {
		return task.ID, m.push(context.Background(), task)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	id := task.ID
	timer := time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		if err := m.push(context.Background(), task); err != nil {
			slog.Error("failed to deliver scheduled task", "task_id", id, "error", err)
		}
	})
	m.pending[id] = &scheduledTask{task: task, timer: timer}
	return id, nil
}

func (m *Memory) prepare(task *models.Task) error {
	queue, err := Route(task.Type)
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.New().String()[:8]
	}
	task.Queue = queue
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) push(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.queues[task.Queue]
	m.mu.Unlock()

	select {
	case ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, queue string) (*Delivery, error) {
	m.mu.Lock()
	ch, ok := m.queues[queue]
	closed := m.closed
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown queue %q", queue)
	}
	if closed {
		return nil, ErrClosed
	}

	select {
	case task := <-ch:
		return m.claim(task), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// claim registers the task as inflight and arms the redelivery timer.
// Ack-timeout redelivery does not count against the retry cap: it covers
// crashed workers, not failed executions.
func (m *Memory) claim(task *models.Task) *Delivery {
	entry := &inflightTask{task: task}

	m.mu.Lock()
	m.inflight[task.ID] = entry
	entry.timer = time.AfterFunc(m.ackTimeout, func() {
		m.mu.Lock()
		if entry.done {
			m.mu.Unlock()
			return
		}
		entry.done = true
		delete(m.inflight, task.ID)
		m.mu.Unlock()

		slog.Warn("task redelivered after ack timeout", "task_id", task.ID, "type", task.Type)
		if err := m.push(context.Background(), task); err != nil {
			slog.Error("redelivery failed", "task_id", task.ID, "error", err)
		}
	})
	m.mu.Unlock()

	return &Delivery{
		Task: task,
		ack: func(context.Context) error {
			m.settle(entry)
			return nil
		},
		nack: func(ctx context.Context, retryable bool, reason string) error {
			m.settle(entry)
			return m.retryOrFail(ctx, task, retryable, reason)
		},
	}
}

// settle stops the redelivery timer and removes the inflight entry.
func (m *Memory) settle(entry *inflightTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.done {
		return
	}
	entry.done = true
	entry.timer.Stop()
	delete(m.inflight, entry.task.ID)
}

func (m *Memory) retryOrFail(_ context.Context, task *models.Task, retryable bool, reason string) error {
	if retryable && task.Retries < m.retry.MaxRetries {
		task.Retries++
		delay := m.retry.Delay(task.Retries)
		slog.Info("task retry scheduled", "task_id", task.ID, "type", task.Type,
			"attempt", task.Retries, "delay", delay, "reason", reason)
		_, err := m.Schedule(context.Background(), task, time.Now().Add(delay))
		return err
	}

	slog.Error("task failed terminally", "task_id", task.ID, "type", task.Type,
		"retries", task.Retries, "reason", reason)
	if m.TerminalFunc != nil {
		m.TerminalFunc(task, reason)
	}
	return nil
}

func (m *Memory) QueueDepth(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.queues[queue]
	if !ok {
		return 0, fmt.Errorf("broker: unknown queue %q", queue)
	}
	depth := int64(len(ch))
	for _, s := range m.pending {
		if s.task.Queue == queue {
			depth++
		}
	}
	return depth, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, s := range m.pending {
		s.timer.Stop()
	}
	for _, entry := range m.inflight {
		entry.done = true
		entry.timer.Stop()
	}
	return nil
}

var _ Broker = (*Memory)(nil)
