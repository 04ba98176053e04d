// Package monitor implements a value-check monitor that observes updates of
// monitored tags and feeds them back into their equipment pipeline.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"daqlink/sender"
)

// Forwarder is the pipeline entry used to re-inject monitored updates.
type Forwarder interface {
	SendTagFilteredFromMonitor(tagID int64, value interface{}, tsMs int64, description string) bool
}

// DefaultQueueSize is the number of events buffered before dropping.
const DefaultQueueSize = 1000

// Monitor counts monitored updates per tag in fixed windows and re-injects
// every event into the pipeline of its equipment.
type Monitor struct {
	window time.Duration
	log    *zap.SugaredLogger

	mu         sync.Mutex
	forwarders map[string]Forwarder
	counts     map[key]int
	last       map[key]int
	dropped    int64

	events chan sender.MonitorEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type key struct {
	equipment string
	tagID     int64
}

// New creates a monitor with the given counting window.
func New(window time.Duration, log *zap.SugaredLogger) *Monitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Monitor{
		window:     window,
		log:        log,
		forwarders: make(map[string]Forwarder),
		counts:     make(map[key]int),
		last:       make(map[key]int),
		events:     make(chan sender.MonitorEvent, DefaultQueueSize),
	}
}

// Register routes events of equipment to f.
func (m *Monitor) Register(equipment string, f Forwarder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarders[equipment] = f
}

// Unregister stops routing events of equipment.
func (m *Monitor) Unregister(equipment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forwarders, equipment)
}

// SendEvent queues an event. It never blocks; a full queue drops the event.
func (m *Monitor) SendEvent(e sender.MonitorEvent) {
	select {
	case m.events <- e:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.log.Warnf("monitor queue full, dropping event for tag %d of %s", e.TagID, e.Equipment)
	}
}

// Start processes events until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop processes the events still queued and ends the worker.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case e := <-m.events:
			m.handle(e)
		case <-ticker.C:
			m.rotate()
		case <-ctx.Done():
			for {
				select {
				case e := <-m.events:
					m.handle(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) handle(e sender.MonitorEvent) {
	m.mu.Lock()
	m.counts[key{e.Equipment, e.TagID}]++
	f := m.forwarders[e.Equipment]
	m.mu.Unlock()

	if f == nil {
		m.log.Debugf("no pipeline registered for equipment %s, event for tag %d discarded", e.Equipment, e.TagID)
		return
	}
	f.SendTagFilteredFromMonitor(e.TagID, e.Raw, e.Timestamp, e.ValueDescription)
}

func (m *Monitor) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.counts
	m.counts = make(map[key]int)
}

// WindowCount returns the number of events seen for the tag in the last
// completed window.
func (m *Monitor) WindowCount(equipment string, tagID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[key{equipment, tagID}]
}

// CurrentCount returns the number of events seen in the running window.
func (m *Monitor) CurrentCount(equipment string, tagID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key{equipment, tagID}]
}

// Dropped returns the number of events dropped on a full queue.
func (m *Monitor) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
