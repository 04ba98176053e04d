// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all sinks (MQTT, Valkey, Kafka).
package namespace

import (
	"strconv"
	"strings"
)

// App is the fixed segment that separates daqlink keys from other users of
// a shared Valkey database.
const App = "daqlink"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
}

// New creates a new namespace builder. An empty namespace is allowed.
func New(namespace string) *Builder {
	return &Builder{namespace: namespace}
}

// Namespace returns the configured namespace.
func (b *Builder) Namespace() string {
	return b.namespace
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {root}[/{ns}]/{equipment}/tags/{id}
func (b *Builder) MQTTTagTopic(root, equipment string, tagID int64) string {
	id := strconv.FormatInt(tagID, 10)
	if b.namespace == "" {
		return root + "/" + equipment + "/tags/" + id
	}
	return root + "/" + b.namespace + "/" + equipment + "/tags/" + id
}

// --- Valkey (delimiter: :) ---

// ValkeyFilteredKey returns the key holding the last filtered update of a
// tag: [{ns}:]daqlink:{equipment}:filtered:{id}
func (b *Builder) ValkeyFilteredKey(equipment string, tagID int64) string {
	return JoinKey(b.namespace, App, equipment, "filtered", strconv.FormatInt(tagID, 10))
}

// ValkeyStatsKey returns the hash counting filtered updates of an
// equipment: [{ns}:]daqlink:{equipment}:filter_stats
func (b *Builder) ValkeyStatsKey(equipment string) string {
	return JoinKey(b.namespace, App, equipment, "filter_stats")
}

// ValkeyFilteredChannel returns the Pub/Sub channel for filter records:
// [{ns}:]daqlink:filtered
func (b *Builder) ValkeyFilteredChannel() string {
	return JoinKey(b.namespace, App, "filtered")
}

// JoinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// --- Kafka (delimiter: .) ---

// KafkaValueTopic returns the topic for values of one equipment:
// {prefix}[.{equipment}]
func KafkaValueTopic(prefix, equipment string) string {
	if equipment == "" {
		return prefix
	}
	return prefix + "." + TopicSafe(equipment)
}

// KafkaFilterTopic returns the topic for filter records: {prefix}.filtered
func KafkaFilterTopic(prefix string) string {
	return prefix + ".filtered"
}

// TopicSafe replaces characters Kafka does not accept in topic names.
func TopicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
