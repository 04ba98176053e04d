// Package checker classifies incoming tag updates: timestamp validity,
// type compatibility, range, value deadband and repeat detection.
//
// All predicates are side-effect free; they read the tag's current value
// snapshot but never modify it.
package checker

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"daqlink/tag"
)

// FutureTolerance is how far a source timestamp may lie ahead of the local clock.
const FutureTolerance = 5 * time.Minute

// percentageFactor converts a relative deadband magnitude given in percent.
const percentageFactor = 0.01

// Checker evaluates tag updates against the tag configuration.
type Checker struct {
	log *zap.SugaredLogger
	now func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger used for trace output.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Checker) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the clock used for timestamp validation.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Checker.
func New(opts ...Option) *Checker {
	c := &Checker{
		log: zap.NewNop().Sugar(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsTimestampValid reports whether tsMs (Unix milliseconds) is not further in
// the future than FutureTolerance.
func (c *Checker) IsTimestampValid(tsMs int64) bool {
	diff := tsMs - c.now().UnixMilli()
	valid := diff <= FutureTolerance.Milliseconds()
	if !valid {
		c.log.Debugf("timestamp %d is %dms in the future", tsMs, diff)
	}
	return valid
}

// IsConvertable reports whether value can be cast to the tag's data type.
func (c *Checker) IsConvertable(t *tag.Tag, value interface{}) bool {
	_, err := tag.Cast(value, t.DataType())
	if err != nil {
		c.log.Debugf("%s: value %v is not convertible to %s: %v", t, value, t.DataType(), err)
		return false
	}
	return true
}

// IsInRange reports whether value lies within the tag's configured min/max.
// Non-numeric tags are always in range.
func (c *Checker) IsInRange(t *tag.Tag, value interface{}) bool {
	cfg := t.Config()
	if !cfg.Type.IsNumeric() || (cfg.Min == nil && cfg.Max == nil) {
		return true
	}
	f, ok := numeric(value, cfg.Type)
	if !ok {
		return true
	}
	if cfg.Min != nil && f < *cfg.Min {
		c.log.Debugf("%s: %v is less than the minimum %v", t, value, *cfg.Min)
		return false
	}
	if cfg.Max != nil && f > *cfg.Max {
		c.log.Debugf("%s: %v is greater than the maximum %v", t, value, *cfg.Max)
		return false
	}
	return true
}

// IsSameValue reports whether value and description repeat the tag's current
// valid value. Descriptions are compared case-insensitively.
func (c *Checker) IsSameValue(t *tag.Tag, value interface{}, description string) bool {
	cur := t.CurrentValue()
	if cur == nil || cur.Value == nil || !cur.IsValid() {
		return false
	}
	same := cur.Value == tag.Convert(value, t.DataType()) &&
		strings.EqualFold(cur.ValueDescription, description)
	c.log.Debugf("%s: same value = %t", t, same)
	return same
}

// IsValueDeadbandFiltered reports whether a valid update falls inside the
// tag's value deadband.
func (c *Checker) IsValueDeadbandFiltered(t *tag.Tag, value interface{}, description string) bool {
	return c.valueDeadbandFiltered(t, value, description, tag.QualityOK)
}

func (c *Checker) valueDeadbandFiltered(t *tag.Tag, value interface{}, description string, code tag.QualityCode) bool {
	cfg := t.Config()
	if !cfg.ValueDeadbandEnabled() || !cfg.Type.IsNumeric() {
		return false
	}
	cur := t.CurrentValue()
	if cur == nil || cur.Value == nil || cur.Quality.Code != code {
		return false
	}
	if cfg.ValueDeadbandType.RequiresSameDescription() && cur.ValueDescription != description {
		return false
	}

	current, ok := numeric(cur.Value, cfg.Type)
	if !ok {
		return false
	}
	next, ok := numeric(value, cfg.Type)
	if !ok {
		return false
	}

	var filtered bool
	if cfg.ValueDeadbandType.IsRelative() {
		filtered = RelativeDeadband(current, next, cfg.ValueDeadband)
	} else {
		filtered = AbsoluteDeadband(current, next, cfg.ValueDeadband)
	}
	c.log.Debugf("%s: value deadband %s(%v) filtered = %t", t, cfg.ValueDeadbandType, cfg.ValueDeadband, filtered)
	return filtered
}

// IsCandidateForFiltering reports whether invalidating the tag with q would
// only repeat an invalidation the server already received.
//
// Only the quality code and description are compared: distinct values that
// trigger the same invalidation are coalesced. FUTURE_SOURCE_TIMESTAMP
// descriptions embed the server time, so any repeat of that code counts.
func (c *Checker) IsCandidateForFiltering(t *tag.Tag, value interface{}, description string, q tag.Quality) bool {
	cur := t.CurrentValue()
	if cur == nil {
		return false
	}
	if cur.Value == nil && value != nil {
		c.log.Debugf("%s: first value for an uninitialised tag, not filtered", t)
		return false
	}
	if cur.IsValid() || cur.Quality.Code != q.Code {
		return false
	}
	if cur.Quality.Description == q.Description || q.Code == tag.QualityFutureSourceTimestamp {
		c.log.Debugf("%s: already invalid with %s, filtered", t, q.Code)
		return true
	}
	return false
}

// AbsoluteDeadband reports whether |current - next| < deadband.
func AbsoluteDeadband(current, next, deadband float64) bool {
	diff := current - next
	if diff < 0 {
		diff = -diff
	}
	return diff < deadband
}

// RelativeDeadband reports whether next differs from current by less than
// deadband percent of current. A zero current value never filters.
func RelativeDeadband(current, next, deadband float64) bool {
	if current == next {
		return true
	}
	if current == 0 {
		return false
	}
	maxDiff := current * deadband * percentageFactor
	if maxDiff < 0 {
		maxDiff = -maxDiff
	}
	diff := current - next
	if diff < 0 {
		diff = -diff
	}
	return diff < maxDiff
}

func numeric(value interface{}, t tag.DataType) (float64, bool) {
	if f, ok := tag.ToFloat64(value); ok {
		return f, true
	}
	v, err := tag.Cast(value, t)
	if err != nil {
		return 0, false
	}
	return tag.ToFloat64(v)
}
