package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"daqlink/engine"
	"daqlink/tag"
)

// EquipmentResponse is the JSON response for an equipment pipeline.
type EquipmentResponse struct {
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Tags       int     `json:"tags"`
	Schedulers int     `json:"schedulers"`
	Pending    []int64 `json:"pending_time_deadband"`
}

// TagResponse is the JSON response for a tag and its current value.
type TagResponse struct {
	Equipment          string      `json:"equipment"`
	ID                 int64       `json:"id"`
	Name               string      `json:"name"`
	Type               string      `json:"type"`
	Priority           string      `json:"priority"`
	TimeDeadband       string      `json:"time_deadband,omitempty"`
	StaticTimeDeadband bool        `json:"static_time_deadband"`
	Value              interface{} `json:"value"`
	ValueDescription   string      `json:"value_description,omitempty"`
	Quality            string      `json:"quality,omitempty"`
	QualityDescription string      `json:"quality_description,omitempty"`
	Timestamp          string      `json:"timestamp,omitempty"`
}

// HealthResponse is the JSON structure for service health.
type HealthResponse struct {
	Status         string   `json:"status"`
	Equipment      []string `json:"equipment"`
	Sinks          []string `json:"sinks"`
	DroppedProcess int64    `json:"dropped_process"`
	DroppedFilter  int64    `json:"dropped_filter"`
	Timestamp      string   `json:"timestamp"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
	subID  engine.SubscriberID
}

func newHandlers(eng *engine.Engine) *handlers {
	h := &handlers{engine: eng, hub: newEventHub()}
	h.subID = h.setupSSE()
	return h
}

func (h *handlers) close() {
	h.engine.Events.Unsubscribe(h.subID)
	h.hub.Stop()
}

// NewRouter creates the REST API router. The returned cleanup function
// releases the event stream.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	h := newHandlers(eng)
	return h.routes(), h.close
}

func (h *handlers) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", h.engine.GetMetrics().Handler())
	r.Get("/events", h.handleSSE)
	r.Post("/flush", h.handleFlushAll)

	r.Route("/equipment", func(r chi.Router) {
		r.Get("/", h.handleListEquipment)
		r.Route("/{eq}", func(r chi.Router) {
			r.Get("/", h.handleEquipment)
			r.Post("/commfault", h.handleCommFault)
			r.Post("/alive", h.handleAlive)
			r.Post("/flush", h.handleFlush)
			r.Get("/tags", h.handleListTags)
			r.Route("/tags/{id}", func(r chi.Router) {
				r.Get("/", h.handleTag)
				r.Put("/", h.handlePutTag)
				r.Delete("/", h.handleDeleteTag)
				r.Post("/value", h.handleValue)
				r.Post("/invalidate", h.handleInvalidate)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

func equipmentParam(r *http.Request) string {
	name, err := url.PathUnescape(chi.URLParam(r, "eq"))
	if err != nil {
		return chi.URLParam(r, "eq")
	}
	return name
}

func tagIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tag id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	process, filter := h.engine.Dropped()
	writeJSON(w, HealthResponse{
		Status:         "ok",
		Equipment:      h.engine.EquipmentNames(),
		Sinks:          h.engine.SinkNames(),
		DroppedProcess: process,
		DroppedFilter:  filter,
		Timestamp:      time.Now().Format(time.RFC3339),
	})
}

func (h *handlers) equipmentResponse(name string) (EquipmentResponse, error) {
	s, err := h.engine.Sender(name)
	if err != nil {
		return EquipmentResponse{}, err
	}
	pending := s.PendingTimeDeadbandTags()
	if pending == nil {
		pending = []int64{}
	}
	return EquipmentResponse{
		Name:       name,
		State:      s.State(),
		Tags:       len(s.Equipment().Tags()),
		Schedulers: s.SchedulerCount(),
		Pending:    pending,
	}, nil
}

func (h *handlers) handleListEquipment(w http.ResponseWriter, r *http.Request) {
	names := h.engine.EquipmentNames()
	response := make([]EquipmentResponse, 0, len(names))
	for _, name := range names {
		resp, err := h.equipmentResponse(name)
		if err != nil {
			// Removed between listing and lookup.
			continue
		}
		response = append(response, resp)
	}
	writeJSON(w, response)
}

func (h *handlers) handleEquipment(w http.ResponseWriter, r *http.Request) {
	resp, err := h.equipmentResponse(equipmentParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, resp)
}

func newTagResponse(t *tag.Tag) TagResponse {
	resp := TagResponse{
		Equipment:          t.Equipment(),
		ID:                 t.ID(),
		Name:               t.Name(),
		Type:               string(t.DataType()),
		Priority:           t.Priority().String(),
		StaticTimeDeadband: t.StaticTimeDeadband(),
	}
	if d := t.TimeDeadband(); d > 0 {
		resp.TimeDeadband = d.String()
	}
	if v := t.CurrentValue(); v != nil {
		resp.Value = v.Value
		resp.ValueDescription = v.ValueDescription
		resp.Quality = v.Quality.Code.String()
		resp.QualityDescription = v.Quality.Description
		resp.Timestamp = v.SourceTimestamp.Format(time.RFC3339Nano)
	}
	return resp
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.engine.Tags(equipmentParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response := make([]TagResponse, 0, len(tags))
	for _, t := range tags {
		response = append(response, newTagResponse(t))
	}
	writeJSON(w, response)
}

func (h *handlers) handleTag(w http.ResponseWriter, r *http.Request) {
	id, err := tagIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.engine.Tag(equipmentParam(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, newTagResponse(t))
}
