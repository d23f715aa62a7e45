package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	defer sub.Cancel()

	bus.Publish(EventPrintStarted, map[string]any{"printer_id": "p1"})

	event := recvEvent(t, sub)
	assert.Equal(t, EventPrintStarted, event.Type)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.OccurredAt.IsZero())
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeTypes(EventJobCompleted)
	defer sub.Cancel()

	bus.Publish(EventPrintStarted, nil)
	bus.Publish(EventJobCompleted, nil)

	event := recvEvent(t, sub)
	assert.Equal(t, EventJobCompleted, event.Type)
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(func(e Event) bool { return e.Type == EventStatusUpdated })
	defer slow.Cancel()
	watcher := bus.SubscribeTypes(EventSubscriberDropped)
	defer watcher.Cancel()

	for i := 0; i < subscriberQueueDepth+10; i++ {
		bus.Publish(EventStatusUpdated, i)
	}

	// The oldest events were evicted; the newest survive.
	first := recvEvent(t, slow)
	assert.NotEqual(t, 0, first.Payload)

	drained := 1
	for {
		select {
		case <-slow.Events():
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberQueueDepth, drained)

	// Exactly one drop announcement per burst.
	dropped := recvEvent(t, watcher)
	assert.Equal(t, EventSubscriberDropped, dropped.Type)
	select {
	case e := <-watcher.Events():
		t.Fatalf("unexpected second drop announcement: %v", e.Payload)
	default:
	}
}

func TestBusPublisherNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueDepth*3; i++ {
			bus.Publish(EventStatusUpdated, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestSubscriptionCancelIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	sub.Cancel()
	require.NotPanics(t, sub.Cancel)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
