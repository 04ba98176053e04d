package engine

import (
	"sync"
	"time"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Equipment events
	EventEquipmentStarted EventType = iota + 1
	EventEquipmentStopped
	EventCommFaultChanged

	// Tag events
	EventTagCreated
	EventTagUpdated
	EventTagDeleted

	// Sink events
	EventSinkConnected
	EventSinkFailed

	// System events
	EventFlushed
	EventConfigSaved
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// EquipmentEvent is the payload for equipment lifecycle events.
type EquipmentEvent struct {
	Name  string
	State string
}

// TagEvent is the payload for tag mutation events.
type TagEvent struct {
	Equipment string
	TagID     int64
	Infos     []string
}

// SinkEvent is the payload for sink connection events.
type SinkEvent struct {
	Name  string
	Error string
}

// SubscriberID identifies a subscription.
type SubscriberID int

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

// EventBus delivers engine events synchronously to subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[SubscriberID]subscriber
	nextID SubscriberID
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[SubscriberID]subscriber)}
}

// Subscribe registers fn for all events.
func (b *EventBus) Subscribe(fn func(Event)) SubscriberID {
	return b.SubscribeTypes(fn)
}

// SubscribeTypes registers fn for the given event types only. No types means all.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = subscriber{fn: fn, types: filter}
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit stamps e and calls every matching subscriber.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}
