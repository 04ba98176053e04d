package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"daqlink/engine"
	"daqlink/logging"
)

// SSE event names.
const (
	eventEquipmentStarted = "equipment-started"
	eventEquipmentStopped = "equipment-stopped"
	eventCommFault        = "commfault"
	eventTagCreated       = "tag-created"
	eventTagUpdated       = "tag-updated"
	eventTagDeleted       = "tag-deleted"
	eventSinkConnected    = "sink-connected"
	eventSinkFailed       = "sink-failed"
	eventFlushed          = "flushed"
	eventConfigSaved      = "config-saved"
)

var sseEventNames = map[engine.EventType]string{
	engine.EventEquipmentStarted: eventEquipmentStarted,
	engine.EventEquipmentStopped: eventEquipmentStopped,
	engine.EventCommFaultChanged: eventCommFault,
	engine.EventTagCreated:       eventTagCreated,
	engine.EventTagUpdated:       eventTagUpdated,
	engine.EventTagDeleted:       eventTagDeleted,
	engine.EventSinkConnected:    eventSinkConnected,
	engine.EventSinkFailed:       eventSinkFailed,
	engine.EventFlushed:          eventFlushed,
	engine.EventConfigSaved:      eventConfigSaved,
}

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type      string
	Equipment string // set when event is equipment-specific (for filtering)
	Data      interface{}
}

// apiEvent is the JSON payload of every SSE event.
type apiEvent struct {
	Equipment string   `json:"equipment,omitempty"`
	TagID     int64    `json:"tag_id,omitempty"`
	State     string   `json:"state,omitempty"`
	Sink      string   `json:"sink,omitempty"`
	Error     string   `json:"error,omitempty"`
	Infos     []string `json:"infos,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// toSSE converts an engine event. It returns false for unknown event types.
func toSSE(e engine.Event) (sseEvent, bool) {
	name, ok := sseEventNames[e.Type]
	if !ok {
		return sseEvent{}, false
	}
	data := apiEvent{Timestamp: e.Timestamp.Format(time.RFC3339Nano)}
	switch p := e.Payload.(type) {
	case engine.EquipmentEvent:
		data.Equipment = p.Name
		data.State = p.State
	case engine.TagEvent:
		data.Equipment = p.Equipment
		data.TagID = p.TagID
		data.Infos = p.Infos
	case engine.SinkEvent:
		data.Sink = p.Name
		data.Error = p.Error
	}
	return sseEvent{Type: name, Equipment: data.Equipment, Data: data}, true
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	log := logging.For(logging.ComponentAPI)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					log.Debugf("sse client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.For(logging.ComponentAPI).Debugf("sse broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves the /events SSE endpoint.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Parse filters from query params
	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	equipmentFilter := r.URL.Query().Get("equipment")

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			// Equipment filter only applies to equipment-specific events
			if equipmentFilter != "" && event.Equipment != "" && event.Equipment != equipmentFilter {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE forwards engine events to the hub. The returned id releases the
// subscription.
func (h *handlers) setupSSE() engine.SubscriberID {
	return h.engine.Events.Subscribe(func(e engine.Event) {
		if ev, ok := toSSE(e); ok {
			h.hub.Broadcast(ev)
		}
	})
}
