package tag

import (
	"fmt"
	"strings"
	"time"
)

// DataType is the declared type of a tag's value.
type DataType string

const (
	TypeBoolean DataType = "Boolean"
	TypeInteger DataType = "Integer"
	TypeLong    DataType = "Long"
	TypeFloat   DataType = "Float"
	TypeDouble  DataType = "Double"
	TypeString  DataType = "String"
)

// ParseDataType resolves a type name case-insensitively.
func ParseDataType(name string) (DataType, error) {
	for _, t := range []DataType{TypeBoolean, TypeInteger, TypeLong, TypeFloat, TypeDouble, TypeString} {
		if strings.EqualFold(string(t), name) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown data type %q", name)
}

// IsNumeric reports whether values of this type take part in range and value deadband checks.
func (t DataType) IsNumeric() bool {
	switch t {
	case TypeInteger, TypeLong, TypeFloat, TypeDouble:
		return true
	}
	return false
}

// Priority decides which dynamic deadband activator tracks a tag.
type Priority int

const (
	PriorityOther Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "other"
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name. An empty value means "other".
func (p *Priority) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "low":
		*p = PriorityLow
	case "medium", "med":
		*p = PriorityMedium
	case "high":
		*p = PriorityHigh
	case "", "other":
		*p = PriorityOther
	default:
		return fmt.Errorf("unknown priority %q", string(text))
	}
	return nil
}

// DeadbandType selects the value deadband algorithm.
type DeadbandType int

const (
	DeadbandNone DeadbandType = iota
	DeadbandAbsolute
	DeadbandRelative
	DeadbandAbsoluteDescrChange
	DeadbandRelativeDescrChange
)

func (d DeadbandType) String() string {
	switch d {
	case DeadbandAbsolute:
		return "absolute"
	case DeadbandRelative:
		return "relative"
	case DeadbandAbsoluteDescrChange:
		return "absolute_descr"
	case DeadbandRelativeDescrChange:
		return "relative_descr"
	default:
		return "none"
	}
}

// MarshalText encodes the deadband type by name.
func (d DeadbandType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a deadband type name.
func (d *DeadbandType) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none":
		*d = DeadbandNone
	case "absolute":
		*d = DeadbandAbsolute
	case "relative":
		*d = DeadbandRelative
	case "absolute_descr", "absolute_value_descr_change":
		*d = DeadbandAbsoluteDescrChange
	case "relative_descr", "relative_value_descr_change":
		*d = DeadbandRelativeDescrChange
	default:
		return fmt.Errorf("unknown value deadband type %q", string(text))
	}
	return nil
}

// IsRelative reports whether the magnitude is a percentage of the current value.
func (d DeadbandType) IsRelative() bool {
	return d == DeadbandRelative || d == DeadbandRelativeDescrChange
}

// RequiresSameDescription reports whether the deadband only applies while the
// value description stays unchanged.
func (d DeadbandType) RequiresSameDescription() bool {
	return d == DeadbandAbsoluteDescrChange || d == DeadbandRelativeDescrChange
}

// Config holds the static configuration of a single tag.
type Config struct {
	ID                int64         `yaml:"id" json:"id"`
	Name              string        `yaml:"name" json:"name"`
	Type              DataType      `yaml:"type" json:"type"`
	Min               *float64      `yaml:"min,omitempty" json:"min,omitempty"`
	Max               *float64      `yaml:"max,omitempty" json:"max,omitempty"`
	ValueDeadbandType DeadbandType  `yaml:"value_deadband_type,omitempty" json:"value_deadband_type"`
	ValueDeadband     float64       `yaml:"value_deadband,omitempty" json:"value_deadband,omitempty"`
	TimeDeadband      time.Duration `yaml:"time_deadband,omitempty" json:"time_deadband,omitempty"`
	Priority          Priority      `yaml:"priority,omitempty" json:"priority"`
	ValueCheckMonitor bool          `yaml:"value_check_monitor,omitempty" json:"value_check_monitor,omitempty"`
}

// StaticTimeDeadband reports whether the time deadband comes from configuration
// rather than from a dynamic activator.
func (c *Config) StaticTimeDeadband() bool {
	return c.TimeDeadband > 0
}

// ValueDeadbandEnabled reports whether a value deadband is configured.
func (c *Config) ValueDeadbandEnabled() bool {
	return c.ValueDeadbandType != DeadbandNone && c.ValueDeadband > 0
}

// Validate checks the tag configuration for consistency.
func (c *Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("tag id is required")
	}
	t, err := ParseDataType(string(c.Type))
	if err != nil {
		return fmt.Errorf("tag %d: %w", c.ID, err)
	}
	c.Type = t
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("tag %d: min %v is greater than max %v", c.ID, *c.Min, *c.Max)
	}
	if c.ValueDeadband < 0 {
		return fmt.Errorf("tag %d: value deadband must not be negative", c.ID)
	}
	if c.TimeDeadband < 0 {
		return fmt.Errorf("tag %d: time deadband must not be negative", c.ID)
	}
	return nil
}
