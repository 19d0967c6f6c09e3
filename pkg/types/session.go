// Package types provides the core data types for the codedesk engine.
package types

// State is the lifecycle state of a session.
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
)

// Outcome classifies how a query finished. It is computed once at stream
// end and routes the session back to idle; it is never persisted.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeInterrupted Outcome = "interrupted"
)

// NoCompaction is the sentinel value for Session.CompactQueryCount when
// no compaction notice is pending. No real query count is ever negative.
const NoCompaction = -1

// Session is the persisted identity and accounting for one agent
// conversation. The runtime state machine lives in internal/session;
// this record is what survives a process restart.
type Session struct {
	// Key is the stable session key ("<namespace>.<numeric-id>"),
	// distinct from the provider's conversation id.
	Key string `json:"key"`
	// ConversationID is the provider-issued conversation id, captured
	// from the first terminal result and used to resume.
	ConversationID string      `json:"conversationID,omitempty"`
	Title          string      `json:"title,omitempty"`
	QueryCount     int         `json:"queryCount"`
	TotalCostUSD   float64     `json:"totalCostUSD"`
	Time           SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session, in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}
