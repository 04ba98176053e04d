package tag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cast parses the string form of value into the Go representation of t:
// bool, int32, int64, float32, float64 or string.
func Cast(value interface{}, t DataType) (interface{}, error) {
	if value == nil {
		return nil, fmt.Errorf("nil value")
	}
	s := strings.TrimSpace(fmt.Sprint(value))

	switch t {
	case TypeBoolean:
		return strconv.ParseBool(s)
	case TypeInteger:
		if i, err := strconv.ParseInt(s, 10, 32); err == nil {
			return int32(i), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		if !fits(f, math.MinInt32, math.MaxInt32+1) {
			return nil, fmt.Errorf("%s overflows Integer", s)
		}
		return int32(f), nil
	case TypeLong:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		if !fits(f, math.MinInt64, -math.MinInt64) {
			return nil, fmt.Errorf("%s overflows Long", s)
		}
		return int64(f), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case TypeDouble:
		return strconv.ParseFloat(s, 64)
	case TypeString:
		return fmt.Sprint(value), nil
	}
	return nil, fmt.Errorf("unsupported data type %q", t)
}

// fits reports whether f lies in [lo, hi). The upper bound is exclusive
// because float64(math.MaxInt64) rounds up to 2^63.
func fits(f, lo, hi float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= lo && f < hi
}

// Convert maps an incoming value onto the tag's declared type. Numbers are
// converted to the numeric type of the tag, booleans pass through unchanged
// and everything else is stringified.
func Convert(value interface{}, t DataType) interface{} {
	if value == nil {
		return nil
	}
	if b, ok := value.(bool); ok {
		return b
	}
	if i, ok := ToInt64(value); ok {
		switch t {
		case TypeInteger:
			return int32(i)
		case TypeLong:
			return i
		case TypeFloat:
			return float32(i)
		case TypeDouble:
			return float64(i)
		case TypeBoolean:
			return i != 0
		case TypeString:
			return strconv.FormatInt(i, 10)
		}
		return value
	}
	if f, ok := ToFloat64(value); ok {
		switch t {
		case TypeInteger:
			return int32(f)
		case TypeLong:
			return int64(f)
		case TypeFloat:
			return float32(f)
		case TypeDouble:
			return f
		case TypeBoolean:
			return f != 0
		case TypeString:
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return value
	}
	return fmt.Sprint(value)
}

// IsNumber reports whether v holds a Go numeric type.
func IsNumber(v interface{}) bool {
	_, ok := ToFloat64(v)
	return ok
}

// ToInt64 returns v as int64 if it holds an integer type that fits.
// Unsigned values above math.MaxInt64 are not converted.
func ToInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// ToFloat64 returns v as float64 if it holds any numeric type.
func ToFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	if i, ok := ToInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
