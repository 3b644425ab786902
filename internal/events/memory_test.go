package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/indexforge/internal/models"
)

func TestMemoryFanout(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ctx := context.Background()

	a, err := bus.SubscribeSwaps(ctx)
	require.NoError(t, err)
	b, err := bus.SubscribeSwaps(ctx)
	require.NoError(t, err)

	event := &models.SwapEvent{FromVersion: "v-old", ToVersion: "v-new", Seq: 2}
	require.NoError(t, bus.PublishSwap(ctx, event))

	for _, ch := range []<-chan *models.SwapEvent{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, "v-new", got.ToVersion)
			assert.Equal(t, uint64(2), got.Seq)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestMemoryUnsubscribeOnCancel(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.SubscribeSwaps(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must close on cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after unsubscribe must not block or panic.
	require.NoError(t, bus.PublishSwap(context.Background(), &models.SwapEvent{ToVersion: "v-x"}))
}

func TestMemoryCloseClosesSubscribers(t *testing.T) {
	bus := NewMemory()
	ch, err := bus.SubscribeSwaps(context.Background())
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
