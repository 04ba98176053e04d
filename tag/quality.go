package tag

import (
	"strings"
	"unicode/utf8"
)

// MaxQualityDescriptionLength is the longest quality description forwarded to the server.
const MaxQualityDescriptionLength = 300

// QualityCode classifies why a tag value is (in)valid.
type QualityCode int

const (
	QualityOK QualityCode = iota
	QualityIncorrectNativeAddress
	QualityConversionError
	QualityOutOfBounds
	QualityFutureSourceTimestamp
	QualityDataUnavailable
	QualityUnsupportedType
	QualityUnknown
)

func (c QualityCode) String() string {
	switch c {
	case QualityOK:
		return "OK"
	case QualityIncorrectNativeAddress:
		return "INCORRECT_NATIVE_ADDRESS"
	case QualityConversionError:
		return "CONVERSION_ERROR"
	case QualityOutOfBounds:
		return "OUT_OF_BOUNDS"
	case QualityFutureSourceTimestamp:
		return "FUTURE_SOURCE_TIMESTAMP"
	case QualityDataUnavailable:
		return "DATA_UNAVAILABLE"
	case QualityUnsupportedType:
		return "UNSUPPORTED_TYPE"
	default:
		return "UNKNOWN"
	}
}

// ParseQualityCode maps a code name back to its QualityCode.
// Unrecognized names map to QualityUnknown.
func ParseQualityCode(name string) QualityCode {
	for c := QualityOK; c <= QualityUnknown; c++ {
		if strings.EqualFold(c.String(), name) {
			return c
		}
	}
	return QualityUnknown
}

// MarshalText encodes the code by name so JSON/YAML output stays readable.
func (c QualityCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a code name.
func (c *QualityCode) UnmarshalText(text []byte) error {
	*c = ParseQualityCode(string(text))
	return nil
}

// Quality is the (code, description) pair attached to every tag value.
type Quality struct {
	Code        QualityCode `json:"code"`
	Description string      `json:"description,omitempty"`
}

// NewQuality builds a quality with a sanitized description.
func NewQuality(code QualityCode, description string) Quality {
	return Quality{Code: code, Description: SanitizeDescription(description)}
}

// IsValid reports whether the quality code is OK.
func (q Quality) IsValid() bool {
	return q.Code == QualityOK
}

// SanitizeDescription truncates s to MaxQualityDescriptionLength runes and
// removes every rune that is not allowed in an XML 1.0 document.
func SanitizeDescription(s string) string {
	if s == "" {
		return s
	}
	if utf8.RuneCountInString(s) > MaxQualityDescriptionLength {
		runes := []rune(s)
		s = string(runes[:MaxQualityDescriptionLength])
	}
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}
