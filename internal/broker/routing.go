package broker

import (
	"context"
	"fmt"

	"github.com/forgelabs/indexforge/internal/models"
)

// routes is the static task-type to queue table. Routing is never
// dynamic: an unknown task type is a startup error, not a runtime
// surprise.
var routes = map[string]string{
	models.TaskEmbedBatch:    QueueEmbedding,
	models.TaskBatchComplete: QueueIndexing,
	models.TaskPromote:       QueueIndexing,
	models.TaskRebuild:       QueueIndexing,
	models.TaskCleanup:       QueueMaintenance,
}

// Route returns the queue for a task type.
func Route(taskType string) (string, error) {
	queue, ok := routes[taskType]
	if !ok {
		return "", fmt.Errorf("broker: no route for task type %q", taskType)
	}
	return queue, nil
}

// HandlerFunc processes one task. Returning an error wrapped with
// Retryable requests redelivery; any other error fails the task
// terminally.
type HandlerFunc func(ctx context.Context, task *models.Task) error

// Mux maps task types to handlers and validates them against the
// routing table at registration time.
type Mux struct {
	handlers map[string]HandlerFunc
}

// NewMux returns an empty handler mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler for a task type. Registration fails for
// unrouted types and duplicates so misconfiguration is caught at
// startup.
func (m *Mux) Handle(taskType string, h HandlerFunc) error {
	if _, err := Route(taskType); err != nil {
		return err
	}
	if _, dup := m.handlers[taskType]; dup {
		return fmt.Errorf("broker: duplicate handler for task type %q", taskType)
	}
	m.handlers[taskType] = h
	return nil
}

// Handler returns the handler for a task type.
func (m *Mux) Handler(taskType string) (HandlerFunc, bool) {
	h, ok := m.handlers[taskType]
	return h, ok
}

// HandledTypes returns the registered task types grouped by queue.
func (m *Mux) HandledTypes(queue string) []string {
	var types []string
	for t := range m.handlers {
		if routes[t] == queue {
			types = append(types, t)
		}
	}
	return types
}
