package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()
	assert.Zero(t, bus.SubscriberCount())

	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Unsubscribe(ch1)
	assert.Equal(t, 1, bus.SubscriberCount())

	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")

	bus.Unsubscribe(ch1)
	assert.Equal(t, 1, bus.SubscriberCount())
	_ = ch2
}

func TestBusPublish(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(NewFaultEvent("10.0.0.1", FaultClog))

	got := receive(t, ch)
	assert.Equal(t, EventFault, got.Type)
	assert.Equal(t, "10.0.0.1", got.Target)
	assert.Equal(t, FaultClog, got.Data.Fault)
}

func TestBusPublishMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()

	bus.Publish(NewRebalanceEvent(EventRebalanceStart, []string{"ns_1@10.0.0.1"}, nil))

	for _, ch := range []<-chan Event{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, EventRebalanceStart, got.Type)
		assert.Equal(t, []string{"ns_1@10.0.0.1"}, got.Data.Nodes)
	}
}

func TestBusSubscribeFiltered(t *testing.T) {
	bus := NewBus()
	faults := bus.Subscribe(EventFault, EventFaultCleared)

	bus.Publish(NewLoadStartEvent("loop", "10.0.0.1:11211"))
	bus.Publish(NewFaultClearedEvent("10.0.0.2", FaultFailover))

	got := receive(t, faults)
	assert.Equal(t, EventFaultCleared, got.Type)
	assert.Empty(t, faults)
}

func TestBusPublishNonBlocking(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	for range defaultBufferSize + 10 {
		bus.Publish(NewLoadStartEvent("load", "h"))
	}

	assert.Len(t, ch, defaultBufferSize)
	assert.Equal(t, uint64(10), bus.Dropped())
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				bus.Publish(NewLoadEndEvent("loop", "h", 1, time.Second))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 100)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Close()

	assert.Zero(t, bus.SubscriberCount())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestNilBus(t *testing.T) {
	var bus *Bus
	require.NotPanics(t, func() {
		bus.Publish(NewLoadStartEvent("load", "h"))
		bus.Close()
	})
}

func TestActionFailedEvent(t *testing.T) {
	e := NewActionFailedEvent("delayed_rebalance", errors.New("node down"))
	assert.Equal(t, EventActionFailed, e.Type)
	assert.Equal(t, "delayed_rebalance", e.Target)
	assert.Equal(t, "node down", e.Data.Error)
	assert.False(t, e.Timestamp.IsZero())

	assert.Empty(t, NewActionFailedEvent("x", nil).Data.Error)
}
