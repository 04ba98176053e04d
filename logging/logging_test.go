package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daqlink.log")

	if _, err := Init(Options{Level: "debug", File: path}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	For(ComponentSender).Infof("tag %d forwarded", 7)
	Sync()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "tag 7 forwarded") {
		t.Errorf("log file = %q, want message", content)
	}
	if !strings.Contains(string(content), "sender") {
		t.Errorf("log file = %q, want component name", content)
	}
}

func TestInitInvalidLevel(t *testing.T) {
	if _, err := Init(Options{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestInitInvalidFile(t *testing.T) {
	if _, err := Init(Options{File: "/nonexistent/directory/file.log"}); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestFilterDebugByComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.log")
	if _, err := Init(Options{Level: "debug", File: path, Filter: "kafka, sender"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer SetFilter("")

	For(ComponentKafka).Debug("kafka debug")
	For(ComponentScheduler).Debug("scheduler debug")
	For(ComponentMQTT).Debug("mqtt debug")
	For(ComponentMQTT).Info("mqtt info")
	Sync()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	s := string(content)
	for _, want := range []string{"kafka debug", "scheduler debug", "mqtt info"} {
		if !strings.Contains(s, want) {
			t.Errorf("log output missing %q", want)
		}
	}
	if strings.Contains(s, "mqtt debug") {
		t.Error("debug output of filtered component was written")
	}
}

func TestFilterSetAllows(t *testing.T) {
	f := &filterSet{}
	if !f.allows("anything") {
		t.Error("empty filter should allow all")
	}

	f.set("Valkey")
	tests := []struct {
		name string
		want bool
	}{
		{"valkey", true},
		{"valkey.stats", true},
		{"kafka", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := f.allows(tt.name); got != tt.want {
			t.Errorf("allows(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFileWriterClosed(t *testing.T) {
	w, err := NewFileWriter(filepath.Join(t.TempDir(), "w.log"))
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n, err := w.Write([]byte("late")); err != nil || n != 4 {
		t.Errorf("Write after Close = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
