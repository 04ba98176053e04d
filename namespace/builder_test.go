package namespace

import "testing"

func TestMQTTTagTopic(t *testing.T) {
	if got := New("").MQTTTagTopic("daq", "pump", 42); got != "daq/pump/tags/42" {
		t.Errorf("MQTTTagTopic = %q, want daq/pump/tags/42", got)
	}
	if got := New("plant1").MQTTTagTopic("daq", "pump", 42); got != "daq/plant1/pump/tags/42" {
		t.Errorf("MQTTTagTopic = %q, want daq/plant1/pump/tags/42", got)
	}
}

func TestValkeyKeys(t *testing.T) {
	tests := []struct {
		namespace string
		filtered  string
		stats     string
		channel   string
	}{
		{"plant1", "plant1:daqlink:pump:filtered:7", "plant1:daqlink:pump:filter_stats", "plant1:daqlink:filtered"},
		{"", "daqlink:pump:filtered:7", "daqlink:pump:filter_stats", "daqlink:filtered"},
	}
	for _, tc := range tests {
		b := New(tc.namespace)
		if got := b.ValkeyFilteredKey("pump", 7); got != tc.filtered {
			t.Errorf("ValkeyFilteredKey = %q, want %q", got, tc.filtered)
		}
		if got := b.ValkeyStatsKey("pump"); got != tc.stats {
			t.Errorf("ValkeyStatsKey = %q, want %q", got, tc.stats)
		}
		if got := b.ValkeyFilteredChannel(); got != tc.channel {
			t.Errorf("ValkeyFilteredChannel = %q, want %q", got, tc.channel)
		}
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"a", "b", "c"}, "a:b:c"},
		{[]string{"", "daqlink", "eq"}, "daqlink:eq"},
		{[]string{":plant:", "daqlink"}, "plant:daqlink"},
		{[]string{"", ""}, ""},
	}
	for _, tc := range tests {
		if got := JoinKey(tc.segments...); got != tc.want {
			t.Errorf("JoinKey(%q) = %q, want %q", tc.segments, got, tc.want)
		}
	}
}

func TestKafkaTopics(t *testing.T) {
	if got := KafkaValueTopic("daqlink", "line 3/press"); got != "daqlink.line_3_press" {
		t.Errorf("KafkaValueTopic = %q, want daqlink.line_3_press", got)
	}
	if got := KafkaValueTopic("daqlink", ""); got != "daqlink" {
		t.Errorf("KafkaValueTopic = %q, want daqlink", got)
	}
	if got := KafkaFilterTopic("daqlink"); got != "daqlink.filtered" {
		t.Errorf("KafkaFilterTopic = %q, want daqlink.filtered", got)
	}
}
