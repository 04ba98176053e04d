// Package kafka publishes pipeline output to Kafka clusters.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// ParseSASLMechanism resolves a mechanism name case-insensitively.
func ParseSASLMechanism(name string) (SASLMechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "NONE":
		return SASLNone, nil
	case "PLAIN":
		return SASLPlain, nil
	case "SCRAM-SHA-256", "SCRAM_SHA_256":
		return SASLSCRAMSHA256, nil
	case "SCRAM-SHA-512", "SCRAM_SHA_512":
		return SASLSCRAMSHA512, nil
	}
	return SASLNone, fmt.Errorf("unknown SASL mechanism %q", name)
}

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks int // -1=all, 0=none, 1=leader only
	MaxRetries   int
	RetryBackoff time.Duration

	// Topic is the prefix for value topics. Filter records go to <Topic>.filtered
	// when Filtered is set.
	Topic    string
	Filtered bool
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // All replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		Topic:        "daqlink",
	}
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
