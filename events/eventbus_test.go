package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewEventBus()
	id, ch := bus.Subscribe()
	require.NotEmpty(t, id)

	bus.Publish(LedgerEvent{Type: EventBlockConfirmed, Sequence: 3, BlockHash: "abcd"})

	select {
	case event := <-ch:
		assert.Equal(t, EventBlockConfirmed, event.Type)
		assert.Equal(t, uint64(3), event.Sequence)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	id, ch := bus.Subscribe()

	assert.True(t, bus.Unsubscribe(id))
	_, open := <-ch
	assert.False(t, open)

	assert.False(t, bus.Unsubscribe(id))
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewEventBus()
	_, ch := bus.Subscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(LedgerEvent{Type: EventTransactionIncluded, Sequence: uint64(i)})
	}
	// The buffer holds 50; the rest were dropped without blocking.
	assert.Equal(t, 50, len(ch))
}
