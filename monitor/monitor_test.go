package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"daqlink/sender"
	"daqlink/tag"
)

type forwarder struct {
	mu    sync.Mutex
	calls []int64
}

func (f *forwarder) SendTagFilteredFromMonitor(tagID int64, value interface{}, tsMs int64, description string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tagID)
	return true
}

func (f *forwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestMonitorForwardsEvents(t *testing.T) {
	m := New(time.Hour, nil)
	f := &forwarder{}
	m.Register("eq", f)
	m.Start(context.Background())

	m.SendEvent(sender.MonitorEvent{Equipment: "eq", TagID: 1, Value: 1})
	m.SendEvent(sender.MonitorEvent{Equipment: "eq", TagID: 1, Value: 2})
	m.SendEvent(sender.MonitorEvent{Equipment: "other", TagID: 2})
	m.Stop()

	if f.count() != 2 {
		t.Errorf("forwarded %d events, want 2", f.count())
	}
	if got := m.CurrentCount("eq", 1); got != 2 {
		t.Errorf("CurrentCount() = %d, want 2", got)
	}
	if got := m.CurrentCount("other", 2); got != 1 {
		t.Errorf("CurrentCount(other) = %d, want 1", got)
	}
}

func TestMonitorWindowRotation(t *testing.T) {
	m := New(time.Hour, nil)
	m.handle(sender.MonitorEvent{Equipment: "eq", TagID: 1})
	m.handle(sender.MonitorEvent{Equipment: "eq", TagID: 1})
	m.rotate()

	if got := m.WindowCount("eq", 1); got != 2 {
		t.Errorf("WindowCount() = %d, want 2", got)
	}
	if got := m.CurrentCount("eq", 1); got != 0 {
		t.Errorf("CurrentCount() = %d after rotation, want 0", got)
	}
}

func TestMonitorDropsWhenFull(t *testing.T) {
	m := New(time.Hour, nil)
	for i := 0; i < DefaultQueueSize+3; i++ {
		m.SendEvent(sender.MonitorEvent{Equipment: "eq", TagID: 1})
	}
	if m.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", m.Dropped())
	}
}

func TestMonitorWithSender(t *testing.T) {
	process := &capture{}
	m := New(time.Hour, nil)
	s := sender.New(process, discard{}, nil, nil, sender.WithMonitor(m))
	defer s.Close()

	eq := tag.NewEquipment(1, "eq")
	eq.PutTag(tag.New(tag.Config{ID: 5, Name: "level", Type: tag.TypeDouble, ValueCheckMonitor: true}, "eq"))
	s.SetEquipmentConfiguration(eq)
	m.Register("eq", s)
	m.Start(context.Background())

	if s.SendTagFiltered(5, 3.5, 0, "") {
		t.Error("monitored update delivered synchronously")
	}
	m.Stop()

	if process.count() != 1 {
		t.Fatalf("forwarded %d values, want 1 after monitor re-injection", process.count())
	}
}

func TestMonitorReinjectsReading(t *testing.T) {
	process := &capture{}
	m := New(time.Hour, nil)
	s := sender.New(process, discard{}, nil, nil, sender.WithMonitor(m))
	defer s.Close()

	eq := tag.NewEquipment(1, "eq")
	eq.PutTag(tag.New(tag.Config{ID: 1, Name: "mode", Type: tag.TypeString, ValueCheckMonitor: true}, "eq"))
	eq.PutTag(tag.New(tag.Config{ID: 2, Name: "counter", Type: tag.TypeLong, ValueCheckMonitor: true}, "eq"))
	s.SetEquipmentConfiguration(eq)
	m.Register("eq", s)
	m.Start(context.Background())

	const big = int64(9007199254740993) // 2^53 + 1, not representable as float64
	s.SendTagFiltered(1, "RUNNING", 0, "")
	s.SendTagFiltered(2, big, 0, "")
	m.Stop()

	tests := []struct {
		tagID int64
		want  interface{}
	}{
		{1, "RUNNING"},
		{2, big},
	}
	for _, tt := range tests {
		v, ok := process.last(tt.tagID)
		if !ok {
			t.Errorf("tag %d: no value forwarded", tt.tagID)
			continue
		}
		if v.Value != tt.want {
			t.Errorf("tag %d forwarded %v (%T), want %v (%T)", tt.tagID, v.Value, v.Value, tt.want, tt.want)
		}
	}
}

type capture struct {
	mu     sync.Mutex
	values []tag.Value
}

func (c *capture) AddValue(v tag.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *capture) last(tagID int64) (tag.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.values) - 1; i >= 0; i-- {
		if c.values[i].TagID == tagID {
			return c.values[i], true
		}
	}
	return tag.Value{}, false
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

type discard struct{}

func (discard) AddFilteredValue(tag.FilteredValue) {}
