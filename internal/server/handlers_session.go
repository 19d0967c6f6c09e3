package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codedesk-ai/codedesk/internal/session"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Namespace string `json:"namespace"`
	Title     string `json:"title,omitempty"`
}

// SendMessageRequest represents the request body for submitting a query.
type SendMessageRequest struct {
	Prompt string `json:"prompt"`
	// Wait blocks the request until the query completes and returns
	// the classified outcome with the response text.
	Wait bool `json:"wait,omitempty"`
}

// MessageResult is the completion payload for a waited query.
type MessageResult struct {
	Outcome types.Outcome `json:"outcome"`
	Text    string        `json:"text"`
}

// SessionView is a session record annotated with live machine state.
type SessionView struct {
	types.Session
	State      types.State `json:"state"`
	QueueDepth int         `json:"queueDepth"`
}

func viewOf(m *session.Machine) SessionView {
	return SessionView{
		Session:    m.Record(),
		State:      m.State(),
		QueueDepth: m.QueueDepth(),
	}
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	views := []SessionView{}
	for _, rec := range s.sessions.List() {
		if m, err := s.sessions.Resolve(rec.Key); err == nil {
			views = append(views, viewOf(m))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "namespace is required")
		return
	}

	m, err := s.sessions.Create(r.Context(), req.Namespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if req.Title != "" {
		m.SetTitle(req.Title)
	}

	writeJSON(w, http.StatusOK, viewOf(m))
}

// getSession handles GET /session/{sessionKey}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// closeSession handles DELETE /session/{sessionKey}
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "sessionKey")
	if err := s.sessions.Close(key); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	writeSuccess(w)
}

// sendMessage handles POST /session/{sessionKey}/message
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	var done chan MessageResult
	var onResponse session.ResponseFunc
	if req.Wait {
		done = make(chan MessageResult, 1)
		onResponse = func(outcome types.Outcome, text string) {
			done <- MessageResult{Outcome: outcome, Text: text}
		}
	}

	if err := m.Submit(r.Context(), req.Prompt, onResponse); err != nil {
		s.writeSessionError(w, err)
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, viewOf(m))
		return
	}

	select {
	case res := <-done:
		writeJSON(w, http.StatusOK, res)
	case <-r.Context().Done():
		// Client gave up; the query keeps running.
	}
}

// queuePrompt handles POST /session/{sessionKey}/queue
func (s *Server) queuePrompt(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	if err := m.QueuePrompt(req.Prompt); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// interruptSession handles POST /session/{sessionKey}/interrupt
func (s *Server) interruptSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	if err := m.Interrupt(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (*session.Machine, bool) {
	key := chi.URLParam(r, "sessionKey")
	m, err := s.sessions.Resolve(key)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		} else {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		}
		return nil, false
	}
	return m, true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeSessionBusy, "A query is already running")
	case errors.Is(err, session.ErrIdle):
		writeError(w, http.StatusConflict, ErrCodeSessionIdle, "No query is running")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, ErrCodeNotFound, "Session is closed")
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
