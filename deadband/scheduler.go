// Package deadband implements time-deadband buffering: updates arriving
// within one deadband window are coalesced and only the latest is sent when
// the window closes.
package deadband

import (
	"sync"

	"go.uber.org/zap"

	"daqlink/tag"
)

// Emitter receives the value a scheduler flushes.
type Emitter func(v tag.Value)

// Scheduler buffers updates for one tag. The tag itself holds the pending
// value; the scheduler only remembers that something is waiting to be sent.
type Scheduler struct {
	tag   *tag.Tag
	timer *Timer
	emit  Emitter
	log   *zap.SugaredLogger

	mu      sync.Mutex
	pending bool
	task    *Task
	gen     uint64
}

// NewScheduler creates a scheduler for t that arms its windows on timer and
// hands flushed values to emit.
func NewScheduler(t *tag.Tag, timer *Timer, emit Emitter, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		tag:   t,
		timer: timer,
		emit:  emit,
		log:   log,
	}
}

// Tag returns the tag served by this scheduler.
func (s *Scheduler) Tag() *tag.Tag {
	return s.tag
}

// ScheduleValueForSending marks the tag's current value as pending and opens
// a deadband window if none is open.
func (s *Scheduler) ScheduleValueForSending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked()
}

// Supersede replaces the buffered value within one critical section: if a
// value is still pending, dropped receives it, then update stores the new
// value and the window is (re)armed. A window closing concurrently either
// sends the old value before dropped could see it, or the new one after.
func (s *Scheduler) Supersede(update func(), dropped func(prev tag.Value)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending && dropped != nil {
		if cur := s.tag.CurrentValue(); cur != nil {
			dropped(*cur)
		}
	}
	update()
	s.scheduleLocked()
}

func (s *Scheduler) scheduleLocked() {
	s.pending = true
	if s.task != nil {
		return
	}

	period := s.tag.TimeDeadband()
	if period <= 0 {
		// Deadband switched off between the check and now: send right away.
		s.flushLocked()
		return
	}

	s.gen++
	gen := s.gen
	s.task = s.timer.Schedule(period, func() { s.fire(gen) })
	if s.task == nil {
		s.log.Warnf("%s: deadband timer stopped, sending immediately", s.tag)
		s.flushLocked()
	}
}

// fire runs when a window closes. Stale tasks from a cancelled window are ignored.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task == nil || s.gen != gen {
		return
	}
	s.task = nil
	s.flushLocked()
}

// Run sends the pending value, if any.
func (s *Scheduler) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// FlushAndReset sends the pending value immediately and closes the current
// window so the next update starts a fresh one.
func (s *Scheduler) FlushAndReset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return
	}
	s.cancelLocked()
	s.flushLocked()
}

// Cancel closes the current window without sending. Callers that need the
// buffered value must call Run afterwards.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// IsScheduledForSending reports whether a value is waiting for its window to close.
func (s *Scheduler) IsScheduledForSending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) cancelLocked() {
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
	s.gen++
}

func (s *Scheduler) flushLocked() {
	if !s.pending {
		return
	}
	s.pending = false

	cur := s.tag.CurrentValue()
	if cur == nil {
		return
	}
	s.log.Debugf("%s: time deadband window closed, sending %v", s.tag, cur.Value)
	s.emit(*cur)
}
