package valkey

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"daqlink/tag"
)

func TestKeys(t *testing.T) {
	t.Run("with namespace", func(t *testing.T) {
		p := NewPublisher(Config{Name: "stats", Namespace: "plant1"}, nil)
		if got := p.LastFilteredKey("pump", 42); got != "plant1:daqlink:pump:filtered:42" {
			t.Errorf("LastFilteredKey = %q", got)
		}
		if got := p.StatsKey("pump"); got != "plant1:daqlink:pump:filter_stats" {
			t.Errorf("StatsKey = %q", got)
		}
		if got := p.Channel(); got != "plant1:daqlink:filtered" {
			t.Errorf("Channel = %q", got)
		}
	})

	t.Run("without namespace", func(t *testing.T) {
		p := NewPublisher(Config{Name: "stats"}, nil)
		if got := p.LastFilteredKey("pump", 42); got != "daqlink:pump:filtered:42" {
			t.Errorf("LastFilteredKey = %q", got)
		}
	})
}

func TestStatsField(t *testing.T) {
	tests := []struct {
		fv   tag.FilteredValue
		want string
	}{
		{tag.FilteredValue{FilterType: tag.FilterValueDeadband}, "VALUE_DEADBAND"},
		{tag.FilteredValue{FilterType: tag.FilterTimeDeadband, DynamicFiltered: true}, "TIME_DEADBAND:dynamic"},
		{tag.FilteredValue{FilterType: tag.FilterRepeatedInvalid}, "REPEATED_INVALID"},
	}
	for _, tc := range tests {
		if got := statsField(tc.fv); got != tc.want {
			t.Errorf("statsField(%+v) = %q, want %q", tc.fv, got, tc.want)
		}
	}
}

func TestFilterMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := tag.NewQuality(tag.QualityOutOfBounds, "too high")
	msg := newFilterMessage(tag.FilteredValue{
		TagID:      7,
		TagName:    "level",
		Equipment:  "eq",
		Value:      int64(5),
		Quality:    &q,
		Timestamp:  ts,
		FilterType: tag.FilterRepeatedInvalid,
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded["equipment"] != "eq" || decoded["tag"] != "level" || decoded["value"] != float64(5) {
		t.Errorf("decoded = %v", decoded)
	}
	if decoded["quality"] != "OUT_OF_BOUNDS" {
		t.Errorf("quality = %v, want OUT_OF_BOUNDS", decoded["quality"])
	}
	if decoded["filter_type"] != "REPEATED_INVALID" {
		t.Errorf("filter_type = %v", decoded["filter_type"])
	}
	if decoded["timestamp"] != "2024-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}

	valid := newFilterMessage(tag.FilteredValue{FilterType: tag.FilterValueDeadband})
	if valid.Quality != "" {
		t.Errorf("Quality = %q, want empty for valid records", valid.Quality)
	}
}

func TestAddress(t *testing.T) {
	if got := NewPublisher(Config{Address: "localhost:6379"}, nil).Address(); got != "redis://localhost:6379" {
		t.Errorf("Address() = %q", got)
	}
	if got := NewPublisher(Config{Address: "cache:6380", UseTLS: true}, nil).Address(); got != "rediss://cache:6380" {
		t.Errorf("Address() = %q", got)
	}
}

func TestPublishNotConnected(t *testing.T) {
	p := NewPublisher(Config{Name: "stats", Address: "localhost:6379"}, nil)
	if p.Name() != "valkey/stats" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.IsRunning() {
		t.Error("new publisher should not be running")
	}
	err := p.PublishFiltered(context.Background(), tag.FilteredValue{TagID: 1})
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("PublishFiltered error = %v, want not connected", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
