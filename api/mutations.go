package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"daqlink/engine"
	"daqlink/tag"
)

// writeEngineError maps engine sentinel errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// --- Tags ---

type tagRequest struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Min               *float64 `json:"min"`
	Max               *float64 `json:"max"`
	ValueDeadbandType string   `json:"value_deadband_type"`
	ValueDeadband     float64  `json:"value_deadband"`
	TimeDeadband      string   `json:"time_deadband"`
	Priority          string   `json:"priority"`
	ValueCheckMonitor bool     `json:"value_check_monitor"`
}

func (req *tagRequest) toConfig(id int64) (tag.Config, error) {
	tc := tag.Config{
		ID:                id,
		Name:              req.Name,
		Type:              tag.DataType(req.Type),
		Min:               req.Min,
		Max:               req.Max,
		ValueDeadband:     req.ValueDeadband,
		ValueCheckMonitor: req.ValueCheckMonitor,
	}
	if tc.Name == "" {
		tc.Name = fmt.Sprintf("tag-%d", id)
	}
	if err := tc.ValueDeadbandType.UnmarshalText([]byte(req.ValueDeadbandType)); err != nil {
		return tc, err
	}
	if err := tc.Priority.UnmarshalText([]byte(req.Priority)); err != nil {
		return tc, err
	}
	if req.TimeDeadband != "" {
		d, err := time.ParseDuration(req.TimeDeadband)
		if err != nil {
			return tc, fmt.Errorf("invalid time_deadband: %w", err)
		}
		tc.TimeDeadband = d
	}
	return tc, nil
}

type tagChangeResponse struct {
	Created bool     `json:"created,omitempty"`
	Infos   []string `json:"infos"`
}

func (h *handlers) handlePutTag(w http.ResponseWriter, r *http.Request) {
	id, err := tagIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req tagRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	tc, err := req.toConfig(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, infos, err := h.engine.PutTag(equipmentParam(r), tc)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if infos == nil {
		infos = []string{}
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, tagChangeResponse{Created: created, Infos: infos})
}

func (h *handlers) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := tagIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	infos, err := h.engine.DeleteTag(equipmentParam(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if infos == nil {
		infos = []string{}
	}
	writeJSON(w, tagChangeResponse{Infos: infos})
}

// --- Values ---

type valueRequest struct {
	Value       interface{} `json:"value"`
	Description string      `json:"description"`
	Timestamp   int64       `json:"timestamp"` // source time, ms since epoch
}

func (h *handlers) handleValue(w http.ResponseWriter, r *http.Request) {
	id, err := tagIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req valueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	accepted, err := h.engine.SendValue(equipmentParam(r), id, req.Value, req.Timestamp, req.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"accepted": accepted})
}

type invalidateRequest struct {
	Quality     string `json:"quality"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
}

func (h *handlers) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, err := tagIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	code := tag.ParseQualityCode(req.Quality)
	if err := h.engine.Invalidate(equipmentParam(r), id, code, req.Description, req.Timestamp); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"quality": code.String()})
}

// --- Equipment ---

type commFaultRequest struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (h *handlers) handleCommFault(w http.ResponseWriter, r *http.Request) {
	var req commFaultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	state, err := h.engine.SetCommFault(equipmentParam(r), req.OK, req.Description)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"state": state})
}

type aliveRequest struct {
	Timestamp int64 `json:"timestamp"`
}

func (h *handlers) handleAlive(w http.ResponseWriter, r *http.Request) {
	var req aliveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sent, err := h.engine.SendAlive(equipmentParam(r), req.Timestamp)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"sent": sent})
}

func (h *handlers) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Flush(equipmentParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int{"flushed": n})
}

func (h *handlers) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	h.engine.FlushAll()
	writeJSON(w, map[string]string{"status": "ok"})
}
