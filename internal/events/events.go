// Package events carries index swap notifications from the promotion
// path to query-serving processes.
package events

import (
	"context"

	"github.com/forgelabs/indexforge/internal/models"
)

// Bus publishes swap events and fans them out to subscribers.
// Delivery is best effort: subscribers that miss an event reconcile
// against the stored pointer instead.
type Bus interface {
	// PublishSwap announces that the current pointer changed.
	PublishSwap(ctx context.Context, event *models.SwapEvent) error

	// SubscribeSwaps returns a channel of swap events. The channel is
	// closed when ctx is cancelled or the bus closes.
	SubscribeSwaps(ctx context.Context) (<-chan *models.SwapEvent, error)

	Close() error
}
