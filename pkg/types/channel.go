package types

import "encoding/json"

// ChannelMessage is an inbound synchronous request from the channel
// daemon. SessionID is a session key of the form "<namespace>.<id>".
type ChannelMessage struct {
	ChannelID string          `json:"channel_id"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// ChannelResponse is the single outbound reply for a channel request.
type ChannelResponse struct {
	ChannelID string `json:"channel_id"`
	Response  any    `json:"response"`
}

// Inject is an inbound wake-up routed to a session: queued if the
// session is working, submitted as a new query if it is idle.
type Inject struct {
	SessionID  string `json:"session_id"`
	WakePrompt string `json:"wake_prompt"`
	Context    string `json:"context,omitempty"`
}

// ChannelError codes returned to synchronous callers.
const (
	ChannelErrInvalidIdentity = "invalid-identity"
	ChannelErrSessionNotFound = "session-not-found"
	ChannelErrSessionBusy     = "session-busy"
	ChannelErrCallbackBusy    = "callback-busy"
	ChannelErrQueryFailed     = "query-failed"
	ChannelErrInterrupted     = "interrupted"
)
