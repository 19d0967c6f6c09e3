package server

import (
	"encoding/json"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/codedesk-ai/codedesk/internal/channel"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// OpenChannelRequest represents the request body for a synchronous
// channel request against a session.
type OpenChannelRequest struct {
	SessionKey string          `json:"sessionKey"`
	Data       json.RawMessage `json:"data"`
}

// OpenChannelResponse is the reply for a completed channel request.
type OpenChannelResponse struct {
	ChannelID string `json:"channelID"`
	Response  string `json:"response"`
}

// openChannel handles POST /channel
func (s *Server) openChannel(w http.ResponseWriter, r *http.Request) {
	var req OpenChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	channelID := ulid.Make().String()
	text, err := s.channels.Open(r.Context(), types.ChannelMessage{
		ChannelID: channelID,
		SessionID: req.SessionKey,
		Data:      req.Data,
	})
	if err != nil {
		status := http.StatusBadGateway
		switch channel.ErrCode(err) {
		case types.ChannelErrInvalidIdentity:
			status = http.StatusBadRequest
		case types.ChannelErrSessionNotFound:
			status = http.StatusNotFound
		case types.ChannelErrSessionBusy, types.ChannelErrCallbackBusy:
			status = http.StatusConflict
		}
		writeError(w, status, ErrCodeChannelError, channel.ErrCode(err))
		return
	}

	writeJSON(w, http.StatusOK, OpenChannelResponse{
		ChannelID: channelID,
		Response:  text,
	})
}
