package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/forgelabs/indexforge/internal/models"
)

// Memory is an in-process Bus for tests and single-node development.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]chan *models.SwapEvent
	nextID int
	closed bool
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an in-process event bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan *models.SwapEvent)}
}

func (m *Memory) PublishSwap(_ context.Context, event *models.SwapEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for _, ch := range m.subs {
		select {
		case ch <- event:
		default:
			// Slow subscribers fall back to pointer reconciliation.
			slog.Warn("dropping swap event for slow subscriber",
				"to_version", event.ToVersion)
		}
	}
	return nil
}

func (m *Memory) SubscribeSwaps(ctx context.Context) (<-chan *models.SwapEvent, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan *models.SwapEvent, 16)
	if m.closed {
		close(ch)
		m.mu.Unlock()
		return ch, nil
	}
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}
