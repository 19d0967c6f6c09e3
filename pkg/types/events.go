package types

import (
	"encoding/json"
	"fmt"
)

// StreamEvent is one typed event from the provider's query stream.
// Events arrive in order; exactly one ResultEvent terminates the stream.
type StreamEvent interface {
	EventKind() string
}

// InitEvent is the initialization notice at the start of a query stream.
type InitEvent struct {
	ConversationID string   `json:"session_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

func (InitEvent) EventKind() string { return "init" }

// CompactionEvent is the provider's "context compacted" notice. It can
// arrive mid-query; the session records the query count it arrived in.
type CompactionEvent struct {
	PreTokens int `json:"pre_tokens,omitempty"`
}

func (CompactionEvent) EventKind() string { return "compaction" }

// TextEvent is a fragment of assistant text.
type TextEvent struct {
	Text string `json:"text"`
}

func (TextEvent) EventKind() string { return "text" }

// ThinkingEvent is a fragment of extended-thinking content.
type ThinkingEvent struct {
	Thinking string `json:"thinking"`
}

func (ThinkingEvent) EventKind() string { return "thinking" }

// ToolUseEvent is a tool invocation requested by the assistant.
type ToolUseEvent struct {
	CallID string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
}

func (ToolUseEvent) EventKind() string { return "tool_use" }

// ToolResultEvent carries the outcome of a tool call. It is a distinct
// stream event, not attached to the ToolUseEvent. The permission arbiter
// synthesizes one with IsError=true for denied calls, since the provider
// emits nothing for a denial.
type ToolResultEvent struct {
	CallID  string `json:"tool_use_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

func (ToolResultEvent) EventKind() string { return "tool_result" }

// ResultEvent is the terminal event of a query stream.
type ResultEvent struct {
	ConversationID string  `json:"session_id,omitempty"`
	Status         string  `json:"status"` // "complete" | "interrupted" | "error"
	IsError        bool    `json:"is_error"`
	DurationMS     int64   `json:"duration_ms"`
	NumTurns       int     `json:"num_turns"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}

func (ResultEvent) EventKind() string { return "result" }

// rawEvent is the wire envelope for stream events.
type rawEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UnmarshalStreamEvent decodes a wire message into its event variant.
// System notices map to InitEvent (subtype "init") and CompactionEvent
// (subtype "compact_boundary").
func UnmarshalStreamEvent(data []byte) (StreamEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		var ev TextEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "thinking":
		var ev ThinkingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "tool_use":
		var ev ToolUseEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "tool_result":
		var ev ToolResultEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "result":
		var ev ResultEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "system":
		switch raw.Subtype {
		case "init":
			var ev InitEvent
			if len(raw.Data) > 0 {
				if err := json.Unmarshal(raw.Data, &ev); err != nil {
					return nil, err
				}
			}
			return ev, nil
		case "compact_boundary":
			var ev CompactionEvent
			if len(raw.Data) > 0 {
				if err := json.Unmarshal(raw.Data, &ev); err != nil {
					return nil, err
				}
			}
			return ev, nil
		}
		return nil, fmt.Errorf("unknown system subtype: %q", raw.Subtype)
	default:
		return nil, fmt.Errorf("unknown event type: %q", raw.Type)
	}
}

// MarshalStreamEvent encodes an event into its wire envelope, the
// inverse of UnmarshalStreamEvent.
func MarshalStreamEvent(ev StreamEvent) ([]byte, error) {
	switch e := ev.(type) {
	case InitEvent:
		return marshalSystem("init", e)
	case CompactionEvent:
		return marshalSystem("compact_boundary", e)
	default:
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		m["type"] = json.RawMessage(fmt.Sprintf("%q", ev.EventKind()))
		return json.Marshal(m)
	}
}

func marshalSystem(subtype string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEvent{Type: "system", Subtype: subtype, Data: data})
}
