package event

import "github.com/codedesk-ai/codedesk/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionWorkingData is the data for session.working events.
type SessionWorkingData struct {
	SessionKey string `json:"sessionKey"`
	QueryCount int    `json:"queryCount"`
}

// SessionIdleData is the data for session.idle events. Published on
// every working→idle transition with the completion classification;
// alarm firing keys off this event regardless of outcome.
type SessionIdleData struct {
	SessionKey string        `json:"sessionKey"`
	QueryCount int           `json:"queryCount"`
	Outcome    types.Outcome `json:"outcome"`
}

// SessionClosedData is the data for session.closed events.
type SessionClosedData struct {
	SessionKey string `json:"sessionKey"`
}

// PromptQueuedData is the data for prompt.queued events; Depth is the
// queue length after the append, for the pending indicator.
type PromptQueuedData struct {
	SessionKey string `json:"sessionKey"`
	Prompt     string `json:"prompt"`
	Depth      int    `json:"depth"`
}

// StreamForwardedData is the data for session.stream events, mirroring
// what was forwarded to the renderer.
type StreamForwardedData struct {
	SessionKey string            `json:"sessionKey"`
	Event      types.StreamEvent `json:"event"`
}

// PermissionRequiredData is the data for permission.required events.
// Only the head of a session's queue is ever published.
type PermissionRequiredData struct {
	ID         string         `json:"id"`
	SessionKey string         `json:"sessionKey"`
	ToolName   string         `json:"toolName"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
}

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	Action     string `json:"action"` // "allow" | "deny" | "allow-timed" | "allow-always"
}

// AlarmRegisteredData is the data for alarm.registered events.
type AlarmRegisteredData struct {
	AlarmID      string `json:"alarmID"`
	EventType    string `json:"eventType"`
	OwnerSession string `json:"ownerSession"`
}

// AlarmFiredData is the data for alarm.fired events.
type AlarmFiredData struct {
	AlarmID      string `json:"alarmID"`
	EventType    string `json:"eventType"`
	OwnerSession string `json:"ownerSession"`
}
