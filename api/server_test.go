package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"daqlink/config"
	"daqlink/engine"
	"daqlink/sink"
	"daqlink/tag"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LogSink = true
	cfg.Equipment = []config.EquipmentConfig{{
		Name:           "press",
		ID:             1,
		CommFaultTagID: 100,
		AliveTagID:     101,
		AliveInterval:  10 * time.Second,
		Tags: []tag.Config{
			{ID: 10, Name: "pressure", Type: tag.TypeDouble},
			{ID: 11, Name: "temperature", Type: tag.TypeDouble, TimeDeadband: time.Hour},
		},
	}}

	reg := sink.NewRegistry()
	reg.Register(engine.SinkLog, func(spec sink.Spec) (sink.Backend, error) {
		return sink.NewLog(spec.Name, nil), nil
	})
	e := engine.New(engine.Config{AppConfig: cfg, Registry: reg})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	router, cleanup := NewRouter(newTestEngine(t))
	t.Cleanup(cleanup)
	return router
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
}

func TestServer_Address(t *testing.T) {
	server := NewServer(nil, &config.RESTConfig{Host: "localhost", Port: 9999})
	if addr := server.Address(); addr != "http://localhost:9999" {
		t.Errorf("expected 'http://localhost:9999', got %s", addr)
	}
}

func TestServer_StartAndStop(t *testing.T) {
	server := NewServer(newTestEngine(t), &config.RESTConfig{Host: "127.0.0.1", Port: 0})

	if server.IsRunning() {
		t.Error("server should not be running initially")
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !server.IsRunning() {
		t.Error("server should be running after Start")
	}

	// Start again should be no-op
	if err := server.Start(); err != nil {
		t.Errorf("second Start should not error: %v", err)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if server.IsRunning() {
		t.Error("server should not be running after Stop")
	}

	// Stop again should be no-op
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop should not error: %v", err)
	}
}

func TestCorsMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("sets CORS headers", func(t *testing.T) {
		rec := do(t, handler, "GET", "/", "")
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin header")
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("missing Access-Control-Allow-Methods header")
		}
	})

	t.Run("handles OPTIONS preflight", func(t *testing.T) {
		rec := do(t, handler, "OPTIONS", "/", "")
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200 for OPTIONS, got %d", rec.Code)
		}
	})
}

func TestBasicAuth(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("open without credentials configured", func(t *testing.T) {
		rec := do(t, basicAuth("", "", ok), "GET", "/", "")
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
	})

	handler := basicAuth("admin", hash, ok)
	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"valid", "admin", "secret", true, http.StatusNoContent},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "secret", true, http.StatusUnauthorized},
		{"missing", "", "", false, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			if tc.setAuth {
				req.SetBasicAuth(tc.user, tc.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health HealthResponse
	decode(t, rec, &health)
	if health.Status != "ok" || len(health.Equipment) != 1 || health.Equipment[0] != "press" {
		t.Errorf("health = %+v", health)
	}
	if len(health.Sinks) != 1 || health.Sinks[0] != "log/default" {
		t.Errorf("sinks = %v, want [log/default]", health.Sinks)
	}

	rec = do(t, router, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestEquipmentEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, "GET", "/equipment", "")
	var list []EquipmentResponse
	decode(t, rec, &list)
	if len(list) != 1 || list[0].Name != "press" || list[0].Tags != 2 {
		t.Errorf("equipment list = %+v", list)
	}

	rec = do(t, router, "GET", "/equipment/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing equipment status = %d, want 404", rec.Code)
	}

	rec = do(t, router, "POST", "/equipment/press/commfault", `{"ok": false, "description": "cable"}`)
	var state map[string]string
	decode(t, rec, &state)
	if state["state"] != "incorrect" {
		t.Errorf("state = %q, want incorrect", state["state"])
	}

	rec = do(t, router, "GET", "/equipment/press", "")
	var eq EquipmentResponse
	decode(t, rec, &eq)
	if eq.State != "incorrect" {
		t.Errorf("equipment state = %q, want incorrect", eq.State)
	}

	rec = do(t, router, "POST", "/equipment/press/alive", "")
	var sent map[string]bool
	decode(t, rec, &sent)
	if !sent["sent"] {
		t.Error("alive should be sent")
	}
}

func TestValueEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, "POST", "/equipment/press/tags/10/value", `{"value": 3.5, "description": "manual"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var accepted map[string]bool
	decode(t, rec, &accepted)
	if !accepted["accepted"] {
		t.Error("first value should be accepted")
	}

	rec = do(t, router, "GET", "/equipment/press/tags/10", "")
	var tr TagResponse
	decode(t, rec, &tr)
	if tr.Value != 3.5 || tr.Quality != "OK" || tr.ValueDescription != "manual" {
		t.Errorf("tag = %+v", tr)
	}

	// Buffered by the time deadband, then flushed
	rec = do(t, router, "POST", "/equipment/press/tags/11/value", `{"value": 20}`)
	decode(t, rec, &accepted)
	if accepted["accepted"] {
		t.Error("time deadband value should be buffered")
	}
	rec = do(t, router, "POST", "/equipment/press/flush", "")
	var flushed map[string]int
	decode(t, rec, &flushed)
	if flushed["flushed"] != 1 {
		t.Errorf("flushed = %d, want 1", flushed["flushed"])
	}

	rec = do(t, router, "POST", "/equipment/press/tags/10/invalidate", `{"quality": "DATA_UNAVAILABLE"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("invalidate status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = do(t, router, "POST", "/equipment/press/tags/10/invalidate", `{"quality": "OK"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalidate OK status = %d, want 400", rec.Code)
	}

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"missing value", "/equipment/press/tags/10/value", `{}`, http.StatusBadRequest},
		{"bad json", "/equipment/press/tags/10/value", `{"value":`, http.StatusBadRequest},
		{"bad id", "/equipment/press/tags/abc/value", `{"value": 1}`, http.StatusBadRequest},
		{"unknown tag", "/equipment/press/tags/999/value", `{"value": 1}`, http.StatusNotFound},
		{"unknown equipment", "/equipment/missing/tags/10/value", `{"value": 1}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, "POST", tc.path, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestTagMutations(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, "PUT", "/equipment/press/tags/12",
		`{"name": "speed", "type": "integer", "priority": "low", "time_deadband": "2s"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, "GET", "/equipment/press/tags", "")
	var tags []TagResponse
	decode(t, rec, &tags)
	if len(tags) != 3 || tags[2].ID != 12 || tags[2].Priority != "low" || tags[2].TimeDeadband != "2s" {
		t.Errorf("tags = %+v", tags)
	}

	rec = do(t, router, "PUT", "/equipment/press/tags/12", `{"name": "speed", "type": "long"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("update status = %d, want 200", rec.Code)
	}

	for _, body := range []string{
		`{"type": "complex"}`,
		`{"type": "double", "priority": "urgent"}`,
		`{"type": "double", "time_deadband": "soon"}`,
	} {
		if rec := do(t, router, "PUT", "/equipment/press/tags/13", body); rec.Code != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", body, rec.Code)
		}
	}

	rec = do(t, router, "DELETE", "/equipment/press/tags/12", "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d, want 200", rec.Code)
	}
	rec = do(t, router, "DELETE", "/equipment/press/tags/12", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestToSSE(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ev, ok := toSSE(engine.Event{
		Type:      engine.EventTagCreated,
		Timestamp: ts,
		Payload:   engine.TagEvent{Equipment: "press", TagID: 12, Infos: []string{"added"}},
	})
	if !ok {
		t.Fatal("toSSE should accept tag events")
	}
	data := ev.Data.(apiEvent)
	if ev.Type != eventTagCreated || ev.Equipment != "press" || data.TagID != 12 {
		t.Errorf("event = %+v", ev)
	}

	ev, _ = toSSE(engine.Event{Type: engine.EventSinkFailed, Payload: engine.SinkEvent{Name: "kafka/main", Error: "down"}})
	if data := ev.Data.(apiEvent); data.Sink != "kafka/main" || data.Error != "down" || ev.Equipment != "" {
		t.Errorf("event = %+v", ev)
	}

	if _, ok := toSSE(engine.Event{Type: engine.EventType(999)}); ok {
		t.Error("unknown event types should be skipped")
	}
}

func TestEventHub(t *testing.T) {
	hub := newEventHub()
	defer hub.Stop()

	client := &apiSSEClient{id: "c1", events: make(chan sseEvent, 4)}
	hub.register <- client
	hub.Broadcast(sseEvent{Type: eventFlushed, Equipment: "press"})

	select {
	case ev := <-client.events:
		if ev.Type != eventFlushed {
			t.Errorf("event type = %q, want %q", ev.Type, eventFlushed)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	if n := hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	hub.unregister <- client
	select {
	case _, ok := <-client.events:
		if ok {
			t.Error("events channel should be closed after unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("client not unregistered")
	}
}
