package feed

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/speakersync/internal/settings"
	"github.com/MrWong99/speakersync/pkg/types"
)

// StateDocument is the body of GET /api/state and of the initial WebSocket
// frame.
type StateDocument struct {
	Snapshot types.Snapshot `json:"snapshot"`
	Liveness types.Liveness `json:"liveness"`
	Settings settings.State `json:"settings"`
	Error    string         `json:"error,omitempty"`
	Version  string         `json:"version,omitempty"`
}

func (s *Server) state() StateDocument {
	doc := StateDocument{Version: s.cfg.Version()}
	if s.cfg.View != nil {
		v := s.cfg.View.View()
		doc.Snapshot, doc.Liveness, doc.Error = v.Snapshot, v.Liveness, v.Error
	}
	if s.cfg.Settings != nil {
		doc.Settings = s.cfg.Settings.State()
	}
	return doc
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

type modeRequest struct {
	Mode types.Mode `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Settings.SetMode(req.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Settings.State())
}

type sessionLoggingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSessionLogging(w http.ResponseWriter, r *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	var req sessionLoggingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.cfg.Settings.SetSessionLogging(*req.Enabled)
	writeJSON(w, http.StatusOK, s.cfg.Settings.State())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSettings(w) {
		return
	}
	s.cfg.Settings.ResetToDefaults()
	writeJSON(w, http.StatusOK, s.cfg.Settings.State())
}

func (s *Server) requireSettings(w http.ResponseWriter) bool {
	if s.cfg.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxActionBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
