package checker

import (
	"testing"
	"time"

	"daqlink/tag"
)

func fptr(f float64) *float64 { return &f }

func newTag(cfg tag.Config) *tag.Tag {
	if cfg.ID == 0 {
		cfg.ID = 1
	}
	if cfg.Type == "" {
		cfg.Type = tag.TypeDouble
	}
	return tag.New(cfg, "eq")
}

func TestIsTimestampValid(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := New(WithClock(func() time.Time { return now }))

	tests := []struct {
		name string
		ts   int64
		want bool
	}{
		{"now", now.UnixMilli(), true},
		{"past", now.Add(-time.Hour).UnixMilli(), true},
		{"at tolerance", now.Add(FutureTolerance).UnixMilli(), true},
		{"beyond tolerance", now.Add(FutureTolerance).UnixMilli() + 1, false},
		{"far future", now.Add(24 * time.Hour).UnixMilli(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsTimestampValid(tt.ts); got != tt.want {
				t.Errorf("IsTimestampValid(%d) = %v, want %v", tt.ts, got, tt.want)
			}
		})
	}
}

func TestIsConvertable(t *testing.T) {
	c := New()
	tests := []struct {
		name  string
		typ   tag.DataType
		value interface{}
		want  bool
	}{
		{"int to Integer", tag.TypeInteger, 5, true},
		{"text to Integer", tag.TypeInteger, "five", false},
		{"float to Double", tag.TypeDouble, 1.25, true},
		{"bool to Boolean", tag.TypeBoolean, false, true},
		{"number to String", tag.TypeString, 12, true},
		{"text to Boolean", tag.TypeBoolean, "perhaps", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTag(tag.Config{Type: tt.typ})
			if got := c.IsConvertable(tg, tt.value); got != tt.want {
				t.Errorf("IsConvertable(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestIsInRange(t *testing.T) {
	c := New()
	tests := []struct {
		name  string
		cfg   tag.Config
		value interface{}
		want  bool
	}{
		{"no bounds", tag.Config{}, 1e9, true},
		{"inside", tag.Config{Min: fptr(0), Max: fptr(100)}, 50, true},
		{"at max", tag.Config{Min: fptr(0), Max: fptr(100)}, 100, true},
		{"above max", tag.Config{Min: fptr(0), Max: fptr(100)}, 150, false},
		{"below min", tag.Config{Min: fptr(0)}, -0.5, false},
		{"only max", tag.Config{Max: fptr(10)}, -1000, true},
		{"string value parsed", tag.Config{Max: fptr(10)}, "11", false},
		{"string tag never checked", tag.Config{Type: tag.TypeString, Max: fptr(10)}, "999", true},
		{"boolean tag never checked", tag.Config{Type: tag.TypeBoolean, Max: fptr(0)}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsInRange(newTag(tt.cfg), tt.value); got != tt.want {
				t.Errorf("IsInRange(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestIsSameValue(t *testing.T) {
	c := New()
	tg := newTag(tag.Config{})

	if c.IsSameValue(tg, 1.0, "") {
		t.Error("uninitialised tag cannot repeat a value")
	}

	tg.Update(1.0, "Running", time.Now())
	tests := []struct {
		name  string
		value interface{}
		desc  string
		want  bool
	}{
		{"identical", 1.0, "Running", true},
		{"description case differs", 1.0, "running", true},
		{"int converted to tag type", 1, "Running", true},
		{"different value", 2.0, "Running", false},
		{"different description", 1.0, "Stopped", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsSameValue(tg, tt.value, tt.desc); got != tt.want {
				t.Errorf("IsSameValue(%v, %q) = %v, want %v", tt.value, tt.desc, got, tt.want)
			}
		})
	}

	tg.Invalidate(tag.NewQuality(tag.QualityOutOfBounds, "x"), 1.0, "Running", time.Now())
	if c.IsSameValue(tg, 1.0, "Running") {
		t.Error("an invalid current value must not count as the same value")
	}
}

func TestIsValueDeadbandFiltered(t *testing.T) {
	c := New()
	tests := []struct {
		name     string
		typ      tag.DeadbandType
		deadband float64
		curDesc  string
		current  float64
		next     interface{}
		nextDesc string
		want     bool
	}{
		{"absolute inside", tag.DeadbandAbsolute, 1, "", 10, 10.5, "", true},
		{"absolute boundary", tag.DeadbandAbsolute, 1, "", 10, 11.0, "", false},
		{"absolute outside", tag.DeadbandAbsolute, 1, "", 10, 12.0, "", false},
		{"absolute ignores description", tag.DeadbandAbsolute, 1, "a", 10, 10.2, "b", true},
		{"relative inside", tag.DeadbandRelative, 10, "", 100, 105.0, "", true},
		{"relative outside", tag.DeadbandRelative, 10, "", 100, 111.0, "", false},
		{"relative negative current", tag.DeadbandRelative, 10, "", -100, -95.0, "", true},
		{"relative zero current", tag.DeadbandRelative, 10, "", 0, 0.001, "", false},
		{"relative equal zero", tag.DeadbandRelative, 10, "", 0, 0.0, "", true},
		{"descr change same description", tag.DeadbandAbsoluteDescrChange, 1, "a", 10, 10.5, "a", true},
		{"descr change new description", tag.DeadbandAbsoluteDescrChange, 1, "a", 10, 10.5, "b", false},
		{"relative descr new description", tag.DeadbandRelativeDescrChange, 10, "a", 100, 101.0, "b", false},
		{"none", tag.DeadbandNone, 1, "", 10, 10.5, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTag(tag.Config{ValueDeadbandType: tt.typ, ValueDeadband: tt.deadband})
			tg.Update(tt.current, tt.curDesc, time.Now())
			if got := c.IsValueDeadbandFiltered(tg, tt.next, tt.nextDesc); got != tt.want {
				t.Errorf("IsValueDeadbandFiltered(%v -> %v) = %v, want %v", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestValueDeadbandNeverFiltersFirstUpdate(t *testing.T) {
	c := New()
	tg := newTag(tag.Config{ValueDeadbandType: tag.DeadbandAbsolute, ValueDeadband: 1000})
	if c.IsValueDeadbandFiltered(tg, 1.0, "") {
		t.Error("first update must not be value-deadband filtered")
	}
}

func TestValueDeadbandNeedsValidCurrentValue(t *testing.T) {
	c := New()
	tg := newTag(tag.Config{ValueDeadbandType: tag.DeadbandAbsolute, ValueDeadband: 5})
	tg.Invalidate(tag.NewQuality(tag.QualityDataUnavailable, "down"), 10.0, "", time.Now())
	if c.IsValueDeadbandFiltered(tg, 11.0, "") {
		t.Error("deadband must not apply against an invalid current value")
	}
}

func TestValueDeadbandSkipsNonNumericTags(t *testing.T) {
	c := New()
	tg := newTag(tag.Config{Type: tag.TypeString, ValueDeadbandType: tag.DeadbandAbsolute, ValueDeadband: 5})
	tg.Update("10", "", time.Now())
	if c.IsValueDeadbandFiltered(tg, "11", "") {
		t.Error("string tags are never value-deadband filtered")
	}
}

func TestIsCandidateForFiltering(t *testing.T) {
	c := New()
	outOfBounds := tag.NewQuality(tag.QualityOutOfBounds, "source value is out of bounds (max: 100)")

	t.Run("uninitialised tag", func(t *testing.T) {
		tg := newTag(tag.Config{})
		if c.IsCandidateForFiltering(tg, 150.0, "", outOfBounds) {
			t.Error("first invalidation must not be filtered")
		}
	})

	t.Run("valid current value", func(t *testing.T) {
		tg := newTag(tag.Config{})
		tg.Update(50.0, "", time.Now())
		if c.IsCandidateForFiltering(tg, 150.0, "", outOfBounds) {
			t.Error("invalidating a valid tag must not be filtered")
		}
	})

	t.Run("same code and description", func(t *testing.T) {
		tg := newTag(tag.Config{})
		tg.Invalidate(outOfBounds, 150.0, "", time.Now())
		if !c.IsCandidateForFiltering(tg, 150.0, "", outOfBounds) {
			t.Error("repeated invalidation should be filtered")
		}
	})

	t.Run("different out of range value is coalesced", func(t *testing.T) {
		// Distinct values that produce the same quality are treated as repeats.
		tg := newTag(tag.Config{})
		tg.Invalidate(outOfBounds, 150.0, "", time.Now())
		if !c.IsCandidateForFiltering(tg, 200.0, "", outOfBounds) {
			t.Error("same quality with a different value should still be filtered")
		}
	})

	t.Run("different description", func(t *testing.T) {
		tg := newTag(tag.Config{})
		tg.Invalidate(outOfBounds, 150.0, "", time.Now())
		other := tag.NewQuality(tag.QualityOutOfBounds, "source value is out of bounds (max: 200)")
		if c.IsCandidateForFiltering(tg, 150.0, "", other) {
			t.Error("a new quality description must reach the server")
		}
	})

	t.Run("different code", func(t *testing.T) {
		tg := newTag(tag.Config{})
		tg.Invalidate(outOfBounds, 150.0, "", time.Now())
		if c.IsCandidateForFiltering(tg, 150.0, "", tag.NewQuality(tag.QualityConversionError, outOfBounds.Description)) {
			t.Error("a new quality code must reach the server")
		}
	})

	t.Run("future timestamp with new description", func(t *testing.T) {
		tg := newTag(tag.Config{})
		tg.Invalidate(tag.NewQuality(tag.QualityFutureSourceTimestamp, "server time 1"), 1.0, "", time.Now())
		next := tag.NewQuality(tag.QualityFutureSourceTimestamp, "server time 2")
		if !c.IsCandidateForFiltering(tg, 1.0, "", next) {
			t.Error("repeated FUTURE_SOURCE_TIMESTAMP should be filtered regardless of description")
		}
	})

	t.Run("nil current value with new value", func(t *testing.T) {
		tg := newTag(tag.Config{})
		tg.Invalidate(outOfBounds, nil, "", time.Now())
		if c.IsCandidateForFiltering(tg, 5.0, "", outOfBounds) {
			t.Error("a value initialising the tag must not be filtered")
		}
	})
}
