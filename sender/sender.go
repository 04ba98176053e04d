// Package sender implements the equipment message sender: the per-equipment
// pipeline that validates, filters and buffers tag updates before they reach
// the server.
package sender

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"daqlink/activator"
	"daqlink/checker"
	"daqlink/deadband"
	"daqlink/tag"
)

// ProcessSink receives updates bound for the server. Implementations must
// not block; delivery happens asynchronously.
type ProcessSink interface {
	AddValue(v tag.Value)
}

// FilterSink receives updates that were filtered out, for statistics.
type FilterSink interface {
	AddFilteredValue(v tag.FilteredValue)
}

// MonitorEvent is an update handed to a value-check monitor. Value is the
// numeric form used for statistics; Raw is the reading as received and is
// what goes back into the pipeline.
type MonitorEvent struct {
	Equipment        string
	TagID            int64
	Value            float64
	Raw              interface{}
	ValueDescription string
	Timestamp        int64
}

// Monitor observes updates of tags with a value-check monitor. It may feed
// them back through SendTagFilteredFromMonitor.
type Monitor interface {
	SendEvent(e MonitorEvent)
}

// Recorder collects pipeline outcome counters.
type Recorder interface {
	Forwarded(equipment string, kind tag.Kind)
	Filtered(equipment string, ft tag.FilterType)
	Invalidated(equipment string, code tag.QualityCode)
	Schedulers(equipment string, n int)
}

type nopRecorder struct{}

func (nopRecorder) Forwarded(string, tag.Kind)          {}
func (nopRecorder) Filtered(string, tag.FilterType)     {}
func (nopRecorder) Invalidated(string, tag.QualityCode) {}
func (nopRecorder) Schedulers(string, int)              {}

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets the sender logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Sender) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the clock used for timestamp checks and defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMonitor registers the value-check monitor.
func WithMonitor(m Monitor) Option {
	return func(s *Sender) { s.monitor = m }
}

// WithAliveFiltering enables suppression of alives arriving less than half
// an alive interval apart.
func WithAliveFiltering(enabled bool) Option {
	return func(s *Sender) { s.aliveFiltering = enabled }
}

// WithTimer shares an existing deadband timer instead of creating one.
func WithTimer(t *deadband.Timer) Option {
	return func(s *Sender) { s.timer = t }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Sender) {
		if r != nil {
			s.recorder = r
		}
	}
}

// tagState serializes pipeline calls for one tag and owns its scheduler.
type tagState struct {
	mu        sync.Mutex
	scheduler *deadband.Scheduler
}

// Sender runs the value pipeline for one equipment.
type Sender struct {
	process  ProcessSink
	filter   FilterSink
	low      activator.Activator
	medium   activator.Activator
	monitor  Monitor
	recorder Recorder
	checker  *checker.Checker
	timer    *deadband.Timer
	ownTimer bool
	log      *zap.SugaredLogger
	now      func() time.Time

	aliveFiltering bool

	mu         sync.RWMutex
	equipment  *tag.Equipment
	states     map[int64]*tagState
	lastAlive  map[int64]int64
	schedulers int64

	commState *fsm.FSM
}

// New creates a Sender. low and medium are the dynamic deadband activators
// for LOW and MEDIUM priority tags; nil means no dynamic deadband.
func New(process ProcessSink, filter FilterSink, low, medium activator.Activator, opts ...Option) *Sender {
	if low == nil {
		low = activator.Noop{}
	}
	if medium == nil {
		medium = activator.Noop{}
	}
	s := &Sender{
		process:   process,
		filter:    filter,
		low:       low,
		medium:    medium,
		recorder:  nopRecorder{},
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
		states:    make(map[int64]*tagState),
		lastAlive: make(map[int64]int64),
		commState: newCommFaultFSM(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timer == nil {
		s.timer = deadband.NewTimer()
		s.ownTimer = true
	}
	s.checker = checker.New(checker.WithClock(s.now), checker.WithLogger(s.log))
	return s
}

// Equipment returns the bound equipment configuration.
func (s *Sender) Equipment() *tag.Equipment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equipment
}

func (s *Sender) equipmentName() string {
	if eq := s.Equipment(); eq != nil {
		return eq.Name
	}
	return ""
}

// SetEquipmentConfiguration binds the sender to eq and rebuilds the
// activator membership. Schedulers bound to the previous configuration are
// flushed and dropped.
func (s *Sender) SetEquipmentConfiguration(eq *tag.Equipment) {
	s.mu.Lock()
	s.equipment = eq
	stale := make([]int64, 0, len(s.states))
	for id := range s.states {
		stale = append(stale, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.dropState(id)
	}

	s.low.ClearDataTags()
	s.medium.ClearDataTags()
	for _, t := range eq.Tags() {
		if !s.dynamicCandidate(eq, t) {
			continue
		}
		switch t.Priority() {
		case tag.PriorityLow:
			s.low.AddDataTag(t)
		case tag.PriorityMedium:
			s.medium.AddDataTag(t)
		}
	}
	s.log.Infof("equipment %s configured with %d tags", eq.Name, len(eq.Tags()))
}

// OnAddDataTag registers a newly configured tag with its activator.
func (s *Sender) OnAddDataTag(t *tag.Tag, report *ChangeReport) {
	eq := s.Equipment()
	if eq == nil || !s.dynamicCandidate(eq, t) {
		return
	}
	switch t.Priority() {
	case tag.PriorityLow:
		s.low.AddDataTag(t)
		report.AppendInfo(fmt.Sprintf("Data tag %d added to low priority filter.", t.ID()))
	case tag.PriorityMedium:
		s.medium.AddDataTag(t)
		report.AppendInfo(fmt.Sprintf("Data tag %d added to medium priority filter.", t.ID()))
	default:
		report.AppendInfo(fmt.Sprintf("Data tag %d not added to any filter.", t.ID()))
	}
}

// OnRemoveDataTag unregisters a tag from both activators and destroys its
// scheduler after flushing any buffered value.
func (s *Sender) OnRemoveDataTag(t *tag.Tag, report *ChangeReport) {
	s.medium.RemoveDataTag(t)
	s.low.RemoveDataTag(t)
	s.dropState(t.ID())
	report.AppendInfo(fmt.Sprintf("Data tag %d removed from any filters.", t.ID()))
}

// OnUpdateDataTag re-registers a reconfigured tag. A priority change moves
// it between activators; a replaced tag instance takes over the registration
// and the old instance's buffered value is flushed.
func (s *Sender) OnUpdateDataTag(t, old *tag.Tag, report *ChangeReport) {
	replaced := old != nil && old != t
	if replaced {
		s.dropState(old.ID())
	}
	if t.StaticTimeDeadband() {
		if replaced && !old.StaticTimeDeadband() {
			s.medium.RemoveDataTag(old)
			s.low.RemoveDataTag(old)
			report.AppendInfo(fmt.Sprintf("Data tag %d now uses a static time deadband.", t.ID()))
		}
		return
	}
	if replaced || (old != nil && t.Priority() != old.Priority()) {
		if old != nil {
			s.OnRemoveDataTag(old, report)
		}
		s.OnAddDataTag(t, report)
	}
}

func (s *Sender) dynamicCandidate(eq *tag.Equipment, t *tag.Tag) bool {
	return eq.DynamicTimeDeadband && !t.StaticTimeDeadband()
}

// recordTag informs the activator of the tag's priority that a value was sent.
func (s *Sender) recordTag(eq *tag.Equipment, t *tag.Tag) {
	if !s.dynamicCandidate(eq, t) {
		return
	}
	switch t.Priority() {
	case tag.PriorityLow:
		s.low.NewTagValueSent(t.ID())
	case tag.PriorityMedium:
		s.medium.NewTagValueSent(t.ID())
	}
}

func (s *Sender) state(id int64) *tagState {
	s.mu.RLock()
	st, ok := s.states[id]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[id]; !ok {
		st = &tagState{}
		s.states[id] = st
	}
	return st
}

func (s *Sender) snapshotStates() map[int64]*tagState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]*tagState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// dropState destroys a tag's scheduler (cancel, then final flush) and
// forgets its state.
func (s *Sender) dropState(id int64) {
	s.mu.Lock()
	st, ok := s.states[id]
	delete(s.states, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s.removeScheduler(st)
}

func (s *Sender) newScheduler(st *tagState, t *tag.Tag) *deadband.Scheduler {
	st.scheduler = deadband.NewScheduler(t, s.timer, s.emitScheduled, s.log)
	n := atomic.AddInt64(&s.schedulers, 1)
	s.recorder.Schedulers(s.equipmentName(), int(n))
	return st.scheduler
}

// removeScheduler must be called with st.mu held.
func (s *Sender) removeScheduler(st *tagState) {
	if st.scheduler == nil {
		return
	}
	st.scheduler.Cancel()
	st.scheduler.Run()
	st.scheduler = nil
	n := atomic.AddInt64(&s.schedulers, -1)
	s.recorder.Schedulers(s.equipmentName(), int(n))
}

func (s *Sender) emitScheduled(v tag.Value) {
	s.process.AddValue(v)
	s.recorder.Forwarded(v.Equipment, v.Kind)
}

// SendDelayedTimeDeadbandValues sends every value still buffered by a
// time-deadband scheduler.
func (s *Sender) SendDelayedTimeDeadbandValues() {
	for _, st := range s.snapshotStates() {
		st.mu.Lock()
		if st.scheduler != nil && st.scheduler.IsScheduledForSending() {
			st.scheduler.Run()
		}
		st.mu.Unlock()
	}
}

// PendingTimeDeadbandTags returns the ids of tags whose scheduler holds an
// unsent value.
func (s *Sender) PendingTimeDeadbandTags() []int64 {
	var ids []int64
	for id, st := range s.snapshotStates() {
		st.mu.Lock()
		if st.scheduler != nil && st.scheduler.IsScheduledForSending() {
			ids = append(ids, id)
		}
		st.mu.Unlock()
	}
	return ids
}

// SchedulerCount returns the number of live time-deadband schedulers.
func (s *Sender) SchedulerCount() int {
	return int(atomic.LoadInt64(&s.schedulers))
}

// Close flushes all buffered values, destroys the schedulers and stops the
// deadband timer if the sender created it.
func (s *Sender) Close() {
	s.SendDelayedTimeDeadbandValues()
	for id := range s.snapshotStates() {
		s.dropState(id)
	}
	if s.ownTimer {
		s.timer.Stop()
	}
}

func (s *Sender) filtered(fv tag.FilteredValue) {
	s.filter.AddFilteredValue(fv)
	s.recorder.Filtered(fv.Equipment, fv.FilterType)
}

func (s *Sender) forward(v tag.Value) {
	s.process.AddValue(v)
	s.recorder.Forwarded(v.Equipment, v.Kind)
}

func (s *Sender) timestamp(tsMs int64) time.Time {
	if tsMs <= 0 {
		return s.now()
	}
	return time.UnixMilli(tsMs)
}

// ChangeReport collects human readable notes about a reconfiguration.
type ChangeReport struct {
	ID int64

	mu    sync.Mutex
	infos []string
}

// NewChangeReport creates a report for the change with the given id.
func NewChangeReport(id int64) *ChangeReport {
	return &ChangeReport{ID: id}
}

// AppendInfo adds a note. It is a no-op on a nil report.
func (r *ChangeReport) AppendInfo(msg string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
}

// Infos returns the notes collected so far.
func (r *ChangeReport) Infos() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.infos...)
}
