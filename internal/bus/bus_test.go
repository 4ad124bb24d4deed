package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/boardflow/internal/envelope"
)

func TestMemoryBusFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	var first, second []string
	require.NoError(t, b.Subscribe(ctx, func(event envelope.ActivityEvent) {
		first = append(first, event.ID)
	}))
	require.NoError(t, b.Subscribe(ctx, func(event envelope.ActivityEvent) {
		second = append(second, event.ID)
	}))

	require.NoError(t, b.Publish(ctx, envelope.ActivityEvent{ID: "evt-1"}))
	require.NoError(t, b.Publish(ctx, envelope.ActivityEvent{ID: "evt-2"}))

	assert.Equal(t, []string{"evt-1", "evt-2"}, first)
	assert.Equal(t, []string{"evt-1", "evt-2"}, second)
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	delivered := 0
	require.NoError(t, b.Subscribe(ctx, func(envelope.ActivityEvent) {
		delivered++
	}))
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(ctx, envelope.ActivityEvent{ID: "evt-1"}))
	assert.Zero(t, delivered)
}
