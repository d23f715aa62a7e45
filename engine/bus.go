package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Canonical event types emitted by the core. Modules may publish additional
// types; subscribers filter by predicate so the set is open-ended.
const (
	EventPrinterStateChanged = "printer_state_changed"
	EventStatusUpdated       = "status_updated"
	EventPrinterOnline       = "printer_online"
	EventPrinterOffline      = "printer_offline"
	EventPrinterError        = "printer_error"
	EventPrinterRemoved      = "printer_removed"
	EventPrintStarted        = "print_started"
	EventPrintPaused         = "print_paused"
	EventPrintResumed        = "print_resumed"
	EventPrintStopped        = "print_stopped"
	EventJobCompleted        = "job_completed"
	EventJobFailed           = "job_failed"
	EventFileDiscovered      = "file_discovered"
	EventLibraryFileAdded    = "library_file_added"
	EventLibraryFileDeleted  = "library_file_deleted"
	EventThumbnailCached     = "thumbnail_cached"
	EventSubscriberDropped   = "subscriber_dropped"
)

// Event is the unit of cross-component notification. Components never call
// each other to announce facts - they publish one of these instead.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

var (
	busPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printernizer_bus_events_published_total",
		Help: "Events published to the in-process bus by type.",
	}, []string{"type"})
	busSubscriberLag = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printernizer_bus_subscriber_lag_total",
		Help: "Events dropped because a subscriber queue was full.",
	})
)

const subscriberQueueDepth = 256

// Bus fans typed events out to subscribers without ever blocking the
// publisher. Each subscriber gets a bounded queue; when it fills, the oldest
// event is dropped, a lag counter is recorded, and a single subscriber_dropped
// event is emitted per burst of drops.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

// Publish delivers the event to every matching subscriber in FIFO order
// relative to this publisher. It never fails and never blocks.
func (b *Bus) Publish(typ string, payload any) {
	b.publish(Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now(),
		Payload:    payload,
	})
}

func (b *Bus) publish(event Event) {
	busPublished.WithLabelValues(event.Type).Inc()

	b.mu.Lock()
	var overflowed []*Subscription
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if sub.offer(event) {
			sub.dropping = false
			continue
		}
		busSubscriberLag.Inc()
		if !sub.dropping {
			sub.dropping = true
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.Unlock()

	// Announce the drop outside the lock. Guard against recursion: drops of
	// the drop announcement itself are only counted.
	if event.Type != EventSubscriberDropped {
		for range overflowed {
			b.Publish(EventSubscriberDropped, map[string]any{"dropped_type": event.Type})
		}
	}
}

// Subscribe registers a new subscriber. A nil filter receives everything.
// The caller must Cancel the subscription when done.
func (b *Bus) Subscribe(filter func(Event) bool) *Subscription {
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan Event, subscriberQueueDepth),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscribeTypes is a convenience wrapper over Subscribe for a fixed type set.
func (b *Bus) SubscribeTypes(types ...string) *Subscription {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return b.Subscribe(func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	})
}

type Subscription struct {
	bus      *Bus
	filter   func(Event) bool
	ch       chan Event
	dropping bool
	canceled bool
}

// Events returns the subscriber's queue. The channel is closed by Cancel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// offer enqueues without blocking, evicting the oldest queued event if full.
// Returns false when an eviction happened.
func (s *Subscription) offer(event Event) bool {
	select {
	case s.ch <- event:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
	return false
}
