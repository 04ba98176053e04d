package tag

import "time"

// Kind distinguishes the records carried on the process channel.
type Kind string

const (
	KindTag       Kind = "tag"
	KindAlive     Kind = "alive"
	KindCommFault Kind = "commfault"
)

// Value is a tag value update bound for the server.
type Value struct {
	TagID            int64       `json:"tag_id"`
	TagName          string      `json:"tag_name"`
	Equipment        string      `json:"equipment,omitempty"`
	Value            interface{} `json:"value"`
	ValueDescription string      `json:"value_description,omitempty"`
	Quality          Quality     `json:"quality"`
	SourceTimestamp  time.Time   `json:"source_timestamp"`
	DAQTimestamp     time.Time   `json:"daq_timestamp"`
	Priority         Priority    `json:"priority"`
	Kind             Kind        `json:"kind"`
}

// IsValid reports whether the value carries an OK quality.
func (v *Value) IsValid() bool {
	return v.Quality.IsValid()
}

// FilterType tells the statistics path why an update was not forwarded.
type FilterType string

const (
	FilterValueDeadband   FilterType = "VALUE_DEADBAND"
	FilterRepeatedValue   FilterType = "REPEATED_VALUE"
	FilterTimeDeadband    FilterType = "TIME_DEADBAND"
	FilterRepeatedInvalid FilterType = "REPEATED_INVALID"
)

// FilteredValue is a record for the filter/statistics path.
type FilteredValue struct {
	TagID            int64       `json:"tag_id"`
	TagName          string      `json:"tag_name"`
	Equipment        string      `json:"equipment,omitempty"`
	Value            interface{} `json:"value"`
	ValueDescription string      `json:"value_description,omitempty"`
	Quality          *Quality    `json:"quality,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
	DynamicFiltered  bool        `json:"dynamic_filtered"`
	FilterType       FilterType  `json:"filter_type"`
}
