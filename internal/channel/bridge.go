// Package channel bridges synchronous callers into asynchronous
// sessions. A channel request submits one query and blocks for its
// single response; an inject is a fire-and-forget wake-up routed by
// session state.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/internal/session"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// Session is the slice of the machine surface the bridge needs.
type Session interface {
	State() types.State
	Submit(ctx context.Context, prompt string, onResponse session.ResponseFunc) error
	QueuePrompt(prompt string) error
}

// Resolver looks up live sessions by key.
type Resolver interface {
	Resolve(key string) (Session, error)
}

// DirectoryResolver adapts a session directory to the Resolver
// interface.
func DirectoryResolver(d *session.Directory) Resolver {
	return dirResolver{d: d}
}

type dirResolver struct{ d *session.Directory }

func (r dirResolver) Resolve(key string) (Session, error) {
	return r.d.Resolve(key)
}

// Error is a structured channel failure, reported to the caller by
// code.
type Error struct {
	Code string
}

func (e *Error) Error() string { return "channel: " + e.Code }

func channelErr(code string) *Error { return &Error{Code: code} }

// ErrCode extracts the wire code from a channel error, empty for
// other errors.
func ErrCode(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Bridge serves channel requests and injects against the session
// directory.
type Bridge struct {
	resolver Resolver

	mu       sync.Mutex
	inflight map[string]bool
}

// NewBridge creates a bridge over resolver.
func NewBridge(resolver Resolver) *Bridge {
	return &Bridge{
		resolver: resolver,
		inflight: make(map[string]bool),
	}
}

// Open runs one synchronous request: submit the framed prompt and
// block until the query classifies. A working session is refused
// immediately rather than interrupted; the caller owns its retry
// policy. One channel request per session may be open at a time.
func (b *Bridge) Open(ctx context.Context, msg types.ChannelMessage) (string, error) {
	if _, _, err := session.ParseKey(msg.SessionID); err != nil {
		return "", channelErr(types.ChannelErrInvalidIdentity)
	}
	sess, err := b.resolver.Resolve(msg.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			return "", channelErr(types.ChannelErrSessionNotFound)
		}
		return "", channelErr(types.ChannelErrInvalidIdentity)
	}

	b.mu.Lock()
	if b.inflight[msg.SessionID] {
		b.mu.Unlock()
		return "", channelErr(types.ChannelErrCallbackBusy)
	}
	b.inflight[msg.SessionID] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, msg.SessionID)
		b.mu.Unlock()
	}()

	if sess.State() != types.StateIdle {
		return "", channelErr(types.ChannelErrSessionBusy)
	}

	type reply struct {
		outcome types.Outcome
		text    string
	}
	done := make(chan reply, 1)
	err = sess.Submit(ctx, framePrompt(msg.Data), func(outcome types.Outcome, text string) {
		done <- reply{outcome: outcome, text: text}
	})
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return "", channelErr(types.ChannelErrSessionBusy)
		}
		return "", channelErr(types.ChannelErrQueryFailed)
	}

	select {
	case r := <-done:
		switch r.outcome {
		case types.OutcomeSuccess:
			return r.text, nil
		case types.OutcomeInterrupted:
			return "", channelErr(types.ChannelErrInterrupted)
		default:
			return "", channelErr(types.ChannelErrQueryFailed)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleInject routes a wake-up: queued behind a working session,
// submitted directly to an idle one. Unroutable injects are dropped
// with a log line; there is no caller to answer.
func (b *Bridge) HandleInject(inject types.Inject) {
	if _, _, err := session.ParseKey(inject.SessionID); err != nil {
		logging.Debug().Str("session", inject.SessionID).Msg("inject with bad identity dropped")
		return
	}
	sess, err := b.resolver.Resolve(inject.SessionID)
	if err != nil {
		logging.Debug().Str("session", inject.SessionID).Msg("inject for unknown session dropped")
		return
	}

	prompt := inject.WakePrompt
	if inject.Context != "" {
		prompt = fmt.Sprintf("%s\n\nContext:\n%s", inject.WakePrompt, inject.Context)
	}

	if sess.State() == types.StateWorking {
		if err := sess.QueuePrompt(prompt); err == nil {
			return
		}
	}
	if err := sess.Submit(context.Background(), prompt, nil); err != nil {
		if errors.Is(err, session.ErrBusy) {
			if qerr := sess.QueuePrompt(prompt); qerr == nil {
				return
			}
		}
		logging.Warn().Err(err).Str("session", inject.SessionID).Msg("inject delivery failed")
	}
}

// framePrompt wraps channel data as a user message. A {"msg": ...}
// payload becomes the message body; anything else is passed through
// as raw JSON.
func framePrompt(data json.RawMessage) string {
	var envelope struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Msg != "" {
		return "[CHANNEL - respond briefly]\n\n" + envelope.Msg
	}
	return "[CHANNEL - respond briefly]\n\n" + string(data)
}
