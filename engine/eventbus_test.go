package engine

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

// eventLog collects events delivered to one subscription.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

// pipelineEvents is a typical sequence for one equipment: start, a tag
// change, a comm fault, a sink failure and a flush.
func pipelineEvents() []Event {
	return []Event{
		{Type: EventEquipmentStarted, Payload: EquipmentEvent{Name: "press"}},
		{Type: EventTagCreated, Payload: TagEvent{Equipment: "press", TagID: 12, Infos: []string{"Data tag 12 added to the LOW activator."}}},
		{Type: EventTagUpdated, Payload: TagEvent{Equipment: "press", TagID: 12}},
		{Type: EventCommFaultChanged, Payload: EquipmentEvent{Name: "press", State: "incorrect"}},
		{Type: EventSinkFailed, Payload: SinkEvent{Name: "kafka/main", Error: "connection refused"}},
		{Type: EventTagDeleted, Payload: TagEvent{Equipment: "press", TagID: 12}},
		{Type: EventFlushed, Payload: EquipmentEvent{Name: "press"}},
		{Type: EventEquipmentStopped, Payload: EquipmentEvent{Name: "press"}},
	}
}

func TestEventBusTypeFilters(t *testing.T) {
	tests := []struct {
		name  string
		types []EventType
		want  []EventType
	}{
		{
			name: "all events",
			want: []EventType{EventEquipmentStarted, EventTagCreated, EventTagUpdated, EventCommFaultChanged,
				EventSinkFailed, EventTagDeleted, EventFlushed, EventEquipmentStopped},
		},
		{
			name:  "tag changes",
			types: []EventType{EventTagCreated, EventTagUpdated, EventTagDeleted},
			want:  []EventType{EventTagCreated, EventTagUpdated, EventTagDeleted},
		},
		{
			name:  "equipment lifecycle and sinks",
			types: []EventType{EventEquipmentStarted, EventEquipmentStopped, EventSinkFailed, EventSinkConnected},
			want:  []EventType{EventEquipmentStarted, EventSinkFailed, EventEquipmentStopped},
		},
		{
			name:  "nothing emitted of that type",
			types: []EventType{EventConfigSaved},
			want:  []EventType{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewEventBus()
			log := &eventLog{}
			bus.SubscribeTypes(log.add, tt.types...)

			for _, e := range pipelineEvents() {
				bus.Emit(e)
			}
			if got := log.types(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("delivered %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventBusPayloads(t *testing.T) {
	bus := NewEventBus()
	var infos []string
	var state string
	var sinkErr string

	bus.SubscribeTypes(func(e Event) {
		infos = append(infos, e.Payload.(TagEvent).Infos...)
	}, EventTagCreated)
	bus.SubscribeTypes(func(e Event) {
		state = e.Payload.(EquipmentEvent).State
	}, EventCommFaultChanged)
	bus.SubscribeTypes(func(e Event) {
		sinkErr = e.Payload.(SinkEvent).Error
	}, EventSinkFailed)

	for _, e := range pipelineEvents() {
		bus.Emit(e)
	}

	if len(infos) != 1 || infos[0] != "Data tag 12 added to the LOW activator." {
		t.Errorf("infos = %q", infos)
	}
	if state != "incorrect" {
		t.Errorf("comm fault state = %q, want incorrect", state)
	}
	if sinkErr != "connection refused" {
		t.Errorf("sink error = %q, want connection refused", sinkErr)
	}
}

func TestEventBusTimestamps(t *testing.T) {
	bus := NewEventBus()
	log := &eventLog{}
	bus.Subscribe(log.add)

	fixed := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	before := time.Now()
	bus.Emit(Event{Type: EventFlushed})
	bus.Emit(Event{Type: EventFlushed, Timestamp: fixed})

	if ts := log.events[0].Timestamp; ts.Before(before) {
		t.Errorf("stamped timestamp %v is before emit at %v", ts, before)
	}
	if ts := log.events[1].Timestamp; !ts.Equal(fixed) {
		t.Errorf("Timestamp = %v, want the caller's %v", ts, fixed)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	api := &eventLog{}
	metrics := &eventLog{}
	apiID := bus.Subscribe(api.add)
	bus.SubscribeTypes(metrics.add, EventSinkFailed)

	bus.Emit(Event{Type: EventSinkFailed, Payload: SinkEvent{Name: "mqtt/local"}})
	bus.Unsubscribe(apiID)
	bus.Unsubscribe(apiID)
	bus.Unsubscribe(SubscriberID(999))
	bus.Emit(Event{Type: EventSinkFailed, Payload: SinkEvent{Name: "mqtt/local"}})

	if n := len(api.types()); n != 1 {
		t.Errorf("unsubscribed listener got %d events, want 1", n)
	}
	if n := len(metrics.types()); n != 2 {
		t.Errorf("remaining listener got %d events, want 2", n)
	}
}

func TestEventBusSubscriberMayUnsubscribeItself(t *testing.T) {
	bus := NewEventBus()
	var id SubscriberID
	calls := 0
	id = bus.Subscribe(func(e Event) {
		calls++
		bus.Unsubscribe(id)
	})

	bus.Emit(Event{Type: EventEquipmentStarted})
	bus.Emit(Event{Type: EventEquipmentStarted})

	if calls != 1 {
		t.Errorf("one-shot subscriber called %d times, want 1", calls)
	}
}

func TestEventBusConcurrentEquipment(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	perEquipment := make(map[string]int)
	bus.SubscribeTypes(func(e Event) {
		mu.Lock()
		perEquipment[e.Payload.(TagEvent).Equipment]++
		mu.Unlock()
	}, EventTagUpdated)

	names := []string{"press", "pump", "oven", "conveyor"}
	const updates = 50

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				bus.Emit(Event{Type: EventTagUpdated, Payload: TagEvent{Equipment: name, TagID: int64(i)}})
			}
		}(name)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, name := range names {
		if perEquipment[name] != updates {
			t.Errorf("%s: %d updates delivered, want %d", name, perEquipment[name], updates)
		}
	}
}
