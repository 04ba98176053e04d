// Package tag holds the data model shared by the equipment value pipeline:
// tag configuration, the current value snapshot, quality and the records
// emitted to the process and filter channels.
package tag

import (
	"fmt"
	"sync"
	"time"
)

// Tag is a single data point of an equipment. The configuration is fixed for
// the lifetime of the Tag; the current value and the runtime time deadband
// change as updates flow through the pipeline.
type Tag struct {
	cfg       Config
	equipment string

	mu           sync.RWMutex
	current      *Value
	timeDeadband time.Duration
}

// New creates a tag from its configuration. The runtime time deadband starts
// at the statically configured period.
func New(cfg Config, equipment string) *Tag {
	return &Tag{
		cfg:          cfg,
		equipment:    equipment,
		timeDeadband: cfg.TimeDeadband,
	}
}

func (t *Tag) ID() int64          { return t.cfg.ID }
func (t *Tag) Name() string       { return t.cfg.Name }
func (t *Tag) Equipment() string  { return t.equipment }
func (t *Tag) DataType() DataType { return t.cfg.Type }
func (t *Tag) Priority() Priority { return t.cfg.Priority }

// Config returns a copy of the tag configuration.
func (t *Tag) Config() Config {
	return t.cfg
}

// StaticTimeDeadband reports whether the time deadband is configured rather
// than switched on by a dynamic activator.
func (t *Tag) StaticTimeDeadband() bool {
	return t.cfg.StaticTimeDeadband()
}

// HasValueCheckMonitor reports whether updates should be diverted to the
// value-check monitor.
func (t *Tag) HasValueCheckMonitor() bool {
	return t.cfg.ValueCheckMonitor
}

// TimeDeadband returns the current time deadband period. Zero means disabled.
func (t *Tag) TimeDeadband() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timeDeadband
}

// SetTimeDeadband changes the runtime time deadband period.
// Negative values disable the deadband.
func (t *Tag) SetTimeDeadband(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeDeadband = d
}

// TimeDeadbandEnabled reports whether updates are currently time-deadband filtered.
func (t *Tag) TimeDeadbandEnabled() bool {
	return t.TimeDeadband() > 0
}

// CurrentValue returns a copy of the current value, or nil if the tag has
// never been updated.
func (t *Tag) CurrentValue() *Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	v := *t.current
	return &v
}

// Update stores a valid value and returns the resulting snapshot.
func (t *Tag) Update(value interface{}, description string, ts time.Time) Value {
	return t.store(NewQuality(QualityOK, ""), value, description, ts)
}

// Invalidate stores value with an invalid quality. It returns false without
// touching the tag if q is OK.
func (t *Tag) Invalidate(q Quality, value interface{}, description string, ts time.Time) (Value, bool) {
	if q.IsValid() {
		return Value{}, false
	}
	return t.store(q, value, description, ts), true
}

func (t *Tag) store(q Quality, value interface{}, description string, ts time.Time) Value {
	now := time.Now()
	if ts.IsZero() {
		ts = now
	}
	v := Value{
		TagID:            t.cfg.ID,
		TagName:          t.cfg.Name,
		Equipment:        t.equipment,
		Value:            value,
		ValueDescription: description,
		Quality:          q,
		SourceTimestamp:  ts,
		DAQTimestamp:     now,
		Priority:         t.cfg.Priority,
		Kind:             KindTag,
	}

	t.mu.Lock()
	t.current = &v
	t.mu.Unlock()
	return v
}

// FilterValue builds a filter record for an update that was not forwarded.
func (t *Tag) FilterValue(value interface{}, description string, ts time.Time, dynamic bool, ft FilterType) FilteredValue {
	fv := FilteredValue{
		TagID:            t.cfg.ID,
		TagName:          t.cfg.Name,
		Equipment:        t.equipment,
		Value:            value,
		ValueDescription: description,
		Timestamp:        ts,
		DynamicFiltered:  dynamic,
		FilterType:       ft,
	}
	if cur := t.CurrentValue(); cur != nil {
		q := cur.Quality
		fv.Quality = &q
	}
	return fv
}

// InvalidFilterValue builds a filter record carrying the tag's current value
// and the rejected quality.
func (t *Tag) InvalidFilterValue(q Quality, ts time.Time, dynamic bool, ft FilterType) FilteredValue {
	fv := FilteredValue{
		TagID:           t.cfg.ID,
		TagName:         t.cfg.Name,
		Equipment:       t.equipment,
		Quality:         &q,
		Timestamp:       ts,
		DynamicFiltered: dynamic,
		FilterType:      ft,
	}
	if cur := t.CurrentValue(); cur != nil {
		fv.Value = cur.Value
		fv.ValueDescription = cur.ValueDescription
	}
	return fv
}

func (t *Tag) String() string {
	return fmt.Sprintf("tag[%d:%s]", t.cfg.ID, t.cfg.Name)
}
