package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/forgelabs/indexforge/internal/models"
)

// SwapChannel is the pub/sub channel swap events are published on.
const SwapChannel = "indexforge:swaps"

// Redis is a Bus backed by Redis pub/sub, letting query-serving
// processes on other hosts learn about swaps without polling.
type Redis struct {
	client *redis.Client
}

var _ Bus = (*Redis)(nil)

// NewRedis creates a Redis-backed event bus.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) PublishSwap(ctx context.Context, event *models.SwapEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode swap event: %w", err)
	}
	if err := r.client.Publish(ctx, SwapChannel, data).Err(); err != nil {
		return fmt.Errorf("publish swap event: %w", err)
	}
	return nil
}

func (r *Redis) SubscribeSwaps(ctx context.Context) (<-chan *models.SwapEvent, error) {
	sub := r.client.Subscribe(ctx, SwapChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", SwapChannel, err)
	}

	out := make(chan *models.SwapEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event models.SwapEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("ignoring malformed swap event", "error", err)
					continue
				}
				select {
				case out <- &event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return nil
}
