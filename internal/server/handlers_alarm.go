package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codedesk-ai/codedesk/internal/alarm"
)

// RegisterAlarmRequest represents the request body for registering an
// alarm.
type RegisterAlarmRequest struct {
	ID            string `json:"id,omitempty"`
	OwnerSession  string `json:"ownerSession"`
	WakePrompt    string `json:"wakePrompt"`
	Kind          string `json:"kind"`
	Seconds       int    `json:"seconds,omitempty"`
	TargetSession string `json:"targetSession,omitempty"`
}

// listAlarms handles GET /alarm
func (s *Server) listAlarms(w http.ResponseWriter, r *http.Request) {
	alarms := s.alarms.List()
	if alarms == nil {
		alarms = []alarm.Alarm{}
	}
	writeJSON(w, http.StatusOK, alarms)
}

// registerAlarm handles POST /alarm
func (s *Server) registerAlarm(w http.ResponseWriter, r *http.Request) {
	var req RegisterAlarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	id, err := s.alarms.Register(alarm.Alarm{
		ID:            req.ID,
		OwnerSession:  req.OwnerSession,
		WakePrompt:    req.WakePrompt,
		Kind:          alarm.Kind(req.Kind),
		Seconds:       req.Seconds,
		TargetSession: req.TargetSession,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// cancelAlarm handles DELETE /alarm/{alarmID}. An unknown id still
// answers 200: the alarm may have fired already.
func (s *Server) cancelAlarm(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.alarms.Cancel(chi.URLParam(r, "alarmID")) {
		status = "not-found"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
