package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: TypeStateChanged, ExecutionID: "ex1", NewState: "running"})

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, "ex1", e1.ExecutionID)
	assert.Equal(t, e1.ID, e2.ID)
	assert.False(t, e1.At.IsZero())
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	ch, cancel := b.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic or block.
	b.Publish(Event{Type: TypeStepFinished})
}

func TestBrokerDropsWhenSubscriberSlow(t *testing.T) {
	t.Parallel()
	b := NewBroker()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: TypeStateChanged})
	}

	// Buffer is 32; the rest were dropped rather than blocking the engine.
	require.Len(t, ch, 32)
}
