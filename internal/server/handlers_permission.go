package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codedesk-ai/codedesk/internal/event"
	"github.com/codedesk-ai/codedesk/internal/permission"
)

// RespondPermissionRequest represents the request body for answering a
// pending permission request.
type RespondPermissionRequest struct {
	Action  string `json:"action"`
	Seconds int    `json:"seconds,omitempty"`
}

// listPermissions handles GET /permission
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	pending := s.arbiter.Pending()
	if pending == nil {
		pending = []event.PermissionRequiredData{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// respondPermission handles POST /permission/{requestID}
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req RespondPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	action := permission.Action(req.Action)
	switch action {
	case permission.ActionAllow, permission.ActionAllowTimed, permission.ActionAllowAlways, permission.ActionDeny:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Unknown action")
		return
	}

	err := s.arbiter.Respond(requestID, permission.Response{
		Action:  action,
		Seconds: req.Seconds,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Permission request not found")
		return
	}
	writeSuccess(w)
}
