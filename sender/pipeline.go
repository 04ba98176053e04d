package sender

import (
	"fmt"
	"strings"

	"daqlink/tag"
)

const serverTimeLayout = "2006-01-02 15:04:05.000"

// SendTagFiltered runs a raw update through the pipeline. It returns true
// only if the value was forwarded to the server synchronously.
func (s *Sender) SendTagFiltered(tagID int64, value interface{}, tsMs int64, description string) bool {
	return s.sendTagFiltered(tagID, value, tsMs, description, false)
}

// SendTagFilteredFromMonitor is used by the value-check monitor to feed an
// update back into the pipeline without being diverted again.
func (s *Sender) SendTagFilteredFromMonitor(tagID int64, value interface{}, tsMs int64, description string) bool {
	return s.sendTagFiltered(tagID, value, tsMs, description, true)
}

func (s *Sender) sendTagFiltered(tagID int64, value interface{}, tsMs int64, description string, fromMonitor bool) bool {
	eq := s.Equipment()
	if eq == nil {
		s.log.Warnf("update for tag %d ignored: no equipment configuration bound", tagID)
		return false
	}

	if _, ok := eq.AliveIntervalFor(tagID); ok {
		return s.handleAlive(eq, tagID, tsMs)
	}

	t := eq.Tag(tagID)
	if t == nil {
		s.log.Warnf("update for unknown tag %d on equipment %s ignored", tagID, eq.Name)
		return false
	}

	st := s.state(tagID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.filterLocked(eq, t, st, value, tsMs, description, fromMonitor)
}

// filterLocked is the pipeline proper. st.mu must be held.
func (s *Sender) filterLocked(eq *tag.Equipment, t *tag.Tag, st *tagState, value interface{}, tsMs int64, description string, fromMonitor bool) (delivered bool) {
	stage := "timestamp"
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s: unexpected error in %s stage: %v", t, stage, r)
			delivered = false
		}
	}()

	if tsMs <= 0 {
		tsMs = s.now().UnixMilli()
	}

	if !s.checker.IsTimestampValid(tsMs) {
		s.log.Warnf("%s: source timestamp is in the future and will not be propagated to the server", t)
		q := tag.NewQuality(tag.QualityFutureSourceTimestamp,
			"Value received with source timestamp in the future! Time on server was: "+s.now().Format(serverTimeLayout))
		s.sendInvalidLocked(eq, t, st, s.normalize(t, value), description, q, tsMs)
		return false
	}

	stage = "monitor"
	if t.HasValueCheckMonitor() && !fromMonitor && s.monitor != nil {
		s.monitor.SendEvent(MonitorEvent{
			Equipment:        eq.Name,
			TagID:            t.ID(),
			Value:            monitorValue(value),
			Raw:              value,
			ValueDescription: description,
			Timestamp:        tsMs,
		})
		return false
	}

	stage = "conversion"
	if !s.checker.IsConvertable(t, value) {
		desc := fmt.Sprintf("The value (%v) received for tag[%d] and the DataTag's type are not compatible.", value, t.ID())
		s.log.Warn(desc)
		var current interface{}
		var currentDesc string
		if cur := t.CurrentValue(); cur != nil {
			current, currentDesc = cur.Value, cur.ValueDescription
		}
		s.sendInvalidLocked(eq, t, st, current, currentDesc, tag.NewQuality(tag.QualityConversionError, desc), tsMs)
		return false
	}

	converted := convert(t, value)

	stage = "range"
	if !s.checker.IsInRange(t, converted) {
		s.log.Warnf("%s: value %v is out of range and will only be propagated the first time", t, converted)
		q := tag.NewQuality(tag.QualityOutOfBounds, outOfBoundsDescription(t.Config()))
		s.sendInvalidLocked(eq, t, st, converted, description, q, tsMs)
		return false
	}

	stage = "value deadband"
	if s.checker.IsValueDeadbandFiltered(t, converted, description) {
		s.log.Debugf("%s: value %v filtered by value deadband", t, converted)
		s.filtered(t.FilterValue(converted, description, s.timestamp(tsMs), false, tag.FilterValueDeadband))
		return false
	}

	stage = "repeated value"
	if s.checker.IsSameValue(t, converted, description) {
		s.log.Debugf("%s: rejecting repeated value %v", t, converted)
		s.filtered(t.FilterValue(converted, description, s.timestamp(tsMs), false, tag.FilterRepeatedValue))
		return false
	}

	stage = "time deadband"
	if t.TimeDeadbandEnabled() {
		s.addToTimeDeadband(eq, t, st, converted, tsMs, description)
		return false
	}

	stage = "send"
	if st.scheduler != nil {
		s.removeScheduler(st)
	}
	s.forward(t.Update(converted, description, s.timestamp(tsMs)))
	s.recordTag(eq, t)
	return true
}

func (s *Sender) addToTimeDeadband(eq *tag.Equipment, t *tag.Tag, st *tagState, value interface{}, tsMs int64, description string) {
	sch := st.scheduler
	if sch == nil {
		sch = s.newScheduler(st, t)
	}

	s.recordTag(eq, t)

	sch.Supersede(func() {
		t.Update(value, description, s.timestamp(tsMs))
	}, func(prev tag.Value) {
		s.log.Debugf("%s: value %v dropped by time deadband", t, prev.Value)
		s.filtered(t.FilterValue(prev.Value, prev.ValueDescription, prev.SourceTimestamp,
			!t.StaticTimeDeadband(), tag.FilterTimeDeadband))
	})
}

// SendInvalidTag invalidates a tag while keeping its current value.
// tsMs <= 0 means now.
func (s *Sender) SendInvalidTag(tagID int64, code tag.QualityCode, description string, tsMs int64) {
	eq := s.Equipment()
	if eq == nil {
		return
	}
	t := eq.Tag(tagID)
	if t == nil {
		s.log.Warnf("invalidation of unknown tag %d on equipment %s ignored", tagID, eq.Name)
		return
	}

	st := s.state(tagID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var value interface{}
	var valueDesc string
	if cur := t.CurrentValue(); cur != nil {
		value, valueDesc = cur.Value, cur.ValueDescription
	}
	s.sendInvalidLocked(eq, t, st, value, valueDesc, tag.NewQuality(code, description), tsMs)
}

// sendInvalidLocked forwards an invalidation unless it only repeats the
// previous one. st.mu must be held.
func (s *Sender) sendInvalidLocked(eq *tag.Equipment, t *tag.Tag, st *tagState, value interface{}, valueDesc string, q tag.Quality, tsMs int64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s: unexpected error while invalidating: %v", t, r)
		}
	}()

	ts := s.timestamp(tsMs)

	if s.checker.IsCandidateForFiltering(t, value, valueDesc, q) {
		s.log.Debugf("%s: already invalidated with %s, not sending again", t, q.Code)
		if value != nil {
			s.filtered(t.InvalidFilterValue(q, ts, false, tag.FilterRepeatedInvalid))
		}
		return
	}

	if st.scheduler != nil {
		st.scheduler.FlushAndReset()
	}

	v, ok := t.Invalidate(q, value, valueDesc, ts)
	if !ok {
		if value == nil {
			s.log.Warnf("%s: invalidation requested with quality OK and no value, ignored", t)
			return
		}
		s.log.Warnf("%s: invalidation requested with quality OK, redirecting to the normal pipeline", t)
		s.filterLocked(eq, t, st, value, ts.UnixMilli(), valueDesc, false)
		return
	}

	s.process.AddValue(v)
	s.recorder.Invalidated(eq.Name, q.Code)
	s.recordTag(eq, t)
}

// normalize converts value to the tag type when possible.
func (s *Sender) normalize(t *tag.Tag, value interface{}) interface{} {
	if value == nil || !s.checker.IsConvertable(t, value) {
		return value
	}
	return convert(t, value)
}

// convert maps a convertible value onto the tag type. Strings are parsed,
// Go numbers are converted.
func convert(t *tag.Tag, value interface{}) interface{} {
	if _, ok := value.(string); ok {
		if v, err := tag.Cast(value, t.DataType()); err == nil {
			return v
		}
	}
	return tag.Convert(value, t.DataType())
}

func monitorValue(value interface{}) float64 {
	if f, ok := tag.ToFloat64(value); ok {
		return f
	}
	if b, ok := value.(bool); ok && b {
		return 1
	}
	return 0
}

func outOfBoundsDescription(cfg tag.Config) string {
	var b strings.Builder
	b.WriteString("source value is out of bounds (")
	if cfg.Min != nil {
		fmt.Fprintf(&b, "min: %v ", *cfg.Min)
	}
	if cfg.Max != nil {
		fmt.Fprintf(&b, "max: %v", *cfg.Max)
	}
	b.WriteString(")! No further updates will be processed and the tag's value will stay unchanged, until this problem is fixed")
	return b.String()
}
