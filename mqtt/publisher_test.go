package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"daqlink/tag"
)

// fakeToken implements pahomqtt.Token.
type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(complete bool, err error) *fakeToken {
	tk := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(tk.done)
	}
	return tk
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

func TestBuildTopic(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		want      string
	}{
		{"without namespace", "", "daqlink/pump-station/tags/42"},
		{"with namespace", "plant1", "daqlink/plant1/pump-station/tags/42"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPublisher(Config{Name: "local", RootTopic: "daqlink", Namespace: tc.namespace}, nil)
			if got := p.BuildTopic("pump-station", 42); got != tc.want {
				t.Errorf("BuildTopic = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPublisherDefaults(t *testing.T) {
	p := NewPublisher(Config{Name: "local", Broker: "localhost", QoS: 5}, nil)

	if p.Name() != "mqtt/local" {
		t.Errorf("Name() = %q, want mqtt/local", p.Name())
	}
	cfg := p.Config()
	if cfg.Port != 1883 {
		t.Errorf("Port = %d, want 1883", cfg.Port)
	}
	if cfg.ClientID != "daqlink-local" {
		t.Errorf("ClientID = %q, want daqlink-local", cfg.ClientID)
	}
	if cfg.QoS != 2 {
		t.Errorf("QoS = %d, want 2", cfg.QoS)
	}
	if p.Address() != "tcp://localhost:1883" {
		t.Errorf("Address() = %q", p.Address())
	}

	tlsPub := NewPublisher(Config{Name: "secure", Broker: "broker", Port: 8883, UseTLS: true}, nil)
	if tlsPub.Address() != "ssl://broker:8883" {
		t.Errorf("Address() = %q, want ssl://broker:8883", tlsPub.Address())
	}
}

func TestTagMessage(t *testing.T) {
	src := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := newTagMessage(tag.Value{
		TagID:            7,
		TagName:          "temperature",
		Equipment:        "eq",
		Value:            21.5,
		ValueDescription: "ok",
		Quality:          tag.NewQuality(tag.QualityOutOfBounds, "too hot"),
		SourceTimestamp:  src,
		Kind:             tag.KindTag,
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded["tag_id"] != float64(7) || decoded["tag"] != "temperature" || decoded["value"] != 21.5 {
		t.Errorf("decoded = %v", decoded)
	}
	if decoded["quality"] != tag.QualityOutOfBounds.String() || decoded["quality_text"] != "too hot" {
		t.Errorf("quality = %v / %v", decoded["quality"], decoded["quality_text"])
	}
	if decoded["timestamp"] != "2024-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}
}

func TestTagMessageFallsBackToDAQTimestamp(t *testing.T) {
	daq := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := newTagMessage(tag.Value{DAQTimestamp: daq})
	if msg.Timestamp != "2024-03-01T12:00:00Z" {
		t.Errorf("Timestamp = %q", msg.Timestamp)
	}
}

func TestPublishNotConnected(t *testing.T) {
	p := NewPublisher(Config{Name: "local", Broker: "localhost"}, nil)
	if p.IsRunning() {
		t.Error("new publisher should not be running")
	}
	err := p.PublishValue(context.Background(), tag.Value{TagID: 1})
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("PublishValue error = %v, want not connected", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestWait(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		if err := wait(context.Background(), newFakeToken(true, nil), time.Second); err != nil {
			t.Errorf("wait = %v, want nil", err)
		}
	})

	t.Run("token error", func(t *testing.T) {
		want := errors.New("refused")
		if err := wait(context.Background(), newFakeToken(true, want), time.Second); !errors.Is(err, want) {
			t.Errorf("wait = %v, want %v", err, want)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		err := wait(context.Background(), newFakeToken(false, nil), 20*time.Millisecond)
		if err == nil || !strings.Contains(err.Error(), "timeout") {
			t.Errorf("wait = %v, want timeout", err)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := wait(ctx, newFakeToken(false, nil), time.Second); !errors.Is(err, context.Canceled) {
			t.Errorf("wait = %v, want context.Canceled", err)
		}
	})
}
