// Package provider runs the agent subprocess and exposes its query
// streams. The engine talks to the agent over newline-delimited
// JSON-RPC on the subprocess's stdio: queries go down as requests,
// stream events come back as notifications.
package provider

import (
	"context"
	"io"
	"sync"

	"github.com/codedesk-ai/codedesk/pkg/types"
)

// Provider is the agent backend for one session.
type Provider interface {
	// Query starts a new query. The returned stream yields events in
	// arrival order and ends after its terminal ResultEvent. At most
	// one query may be active at a time.
	Query(ctx context.Context, prompt string) (*Stream, error)
	// Interrupt asks the agent to abandon the active query. The
	// stream keeps delivering whatever the agent still emits; the
	// caller drains it to completion.
	Interrupt(ctx context.Context) error
	// RespondPermission answers a pending PermissionEvent.
	RespondPermission(ctx context.Context, reqID int64, allow bool, message string) error
	// ConversationID reports the provider-side conversation id, empty
	// until the first InitEvent arrives.
	ConversationID() string
	Close() error
}

// PermissionEvent is an engine-internal stream item. The agent pauses
// the tool call until RespondPermission is called with ReqID, so the
// consumer must answer it before more events can flow for that call.
type PermissionEvent struct {
	ReqID     int64
	ToolName  string
	ToolInput map[string]any
}

func (PermissionEvent) EventKind() string { return "permission_request" }

// Stream delivers the events of a single query.
type Stream struct {
	ch   chan types.StreamEvent
	done chan struct{}

	closeOnce sync.Once
	err       error
}

func newStream() *Stream {
	return &Stream{
		ch:   make(chan types.StreamEvent, 64),
		done: make(chan struct{}),
	}
}

// Recv returns the next event. Buffered events are drained before the
// close is reported, so the terminal event is never lost to a racing
// close. After the stream ends Recv returns io.EOF, or the transport
// error that cut the query short.
func (s *Stream) Recv(ctx context.Context) (types.StreamEvent, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
		}
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// push delivers an event to the consumer. Delivery blocks when the
// consumer falls behind; a closed stream drops the event.
func (s *Stream) push(ev types.StreamEvent) {
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *Stream) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
