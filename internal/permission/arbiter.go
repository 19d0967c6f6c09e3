// Package permission arbitrates tool-use authorization. Requests from
// the agent queue in arrival order; only the head of the queue is
// presented to the user, and every request resolves to a single
// decision: allowed or denied.
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codedesk-ai/codedesk/internal/event"
	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// Action is a user's answer to a permission request.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionAllowTimed  Action = "allow-timed"
	ActionAllowAlways Action = "allow-always"
	ActionDeny        Action = "deny"
)

// DefaultTimeout bounds the interactive wait when no configured
// timeout applies. An unanswered request is denied.
const DefaultTimeout = 30 * time.Second

// DefaultTimedGrant is the validity window for allow-timed answers
// that carry no explicit duration.
const DefaultTimedGrant = 5 * time.Minute

// Request asks whether one tool call may proceed.
type Request struct {
	SessionKey string
	CallID     string
	ToolName   string
	ToolInput  map[string]any
}

// Response is a user's answer, routed by request id.
type Response struct {
	Action  Action
	Seconds int // allow-timed validity, 0 for the default window
}

// Decision is the arbiter's verdict on a request.
type Decision struct {
	Allowed bool
	Action  Action
	// Denied is the error marking for the tool call. The agent emits
	// no tool result for a denied call, so the session forwards this
	// synthesized one to the renderer.
	Denied *types.ToolResultEvent
}

// ConfigStore supplies persisted tool grants. Implemented by
// config.Store.
type ConfigStore interface {
	Get() *types.Config
	AllowAlways(toolName string) error
}

type pendingRequest struct {
	id  string
	req Request
	ch  chan Response
}

// Arbiter owns the permission queue for an engine instance.
type Arbiter struct {
	store ConfigStore

	mu     sync.Mutex
	queue  []*pendingRequest
	always map[string]map[string]bool      // sessionKey -> tool
	timed  map[string]map[string]time.Time // sessionKey -> tool -> expiry
	now    func() time.Time
}

// NewArbiter creates an arbiter. store may be nil, in which case no
// grants are read from or persisted to configuration.
func NewArbiter(store ConfigStore) *Arbiter {
	return &Arbiter{
		store:  store,
		always: make(map[string]map[string]bool),
		timed:  make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Request resolves authorization for one tool call. Standing grants
// answer immediately; otherwise the request queues and Request blocks
// until the user responds, the timeout elapses, or ctx is canceled.
// Timeout and cancellation both deny.
func (a *Arbiter) Request(ctx context.Context, req Request) Decision {
	if a.granted(req.SessionKey, req.ToolName) {
		return Decision{Allowed: true, Action: ActionAllow}
	}

	p := &pendingRequest{
		id:  ulid.Make().String(),
		req: req,
		ch:  make(chan Response, 1),
	}

	a.mu.Lock()
	a.queue = append(a.queue, p)
	isHead := len(a.queue) == 1
	a.mu.Unlock()

	if isHead {
		a.publishRequired(p)
	}

	timer := time.NewTimer(a.timeout())
	defer timer.Stop()

	var resp Response
	select {
	case resp = <-p.ch:
	case <-timer.C:
		resp = Response{Action: ActionDeny}
		logging.Warn().Str("tool", req.ToolName).Str("session", req.SessionKey).
			Msg("permission request timed out")
	case <-ctx.Done():
		resp = Response{Action: ActionDeny}
	}

	a.advance(p)

	event.Publish(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{
			ID:         p.id,
			SessionKey: req.SessionKey,
			Action:     string(resp.Action),
		},
	})

	switch resp.Action {
	case ActionAllow:
		return Decision{Allowed: true, Action: ActionAllow}
	case ActionAllowTimed:
		a.grantTimed(req.SessionKey, req.ToolName, resp.Seconds)
		return Decision{Allowed: true, Action: ActionAllowTimed}
	case ActionAllowAlways:
		a.grantAlways(req.SessionKey, req.ToolName)
		return Decision{Allowed: true, Action: ActionAllowAlways}
	default:
		return a.deny(req, "permission denied")
	}
}

// Respond answers a pending request by id.
func (a *Arbiter) Respond(requestID string, resp Response) error {
	a.mu.Lock()
	var p *pendingRequest
	for _, cand := range a.queue {
		if cand.id == requestID {
			p = cand
			break
		}
	}
	a.mu.Unlock()

	if p == nil {
		return fmt.Errorf("permission: no pending request %q", requestID)
	}
	select {
	case p.ch <- resp:
	default:
	}
	return nil
}

// CancelAll denies every pending request for a session. Called on
// interrupt so a suspended query can unwind.
func (a *Arbiter) CancelAll(sessionKey string) {
	a.mu.Lock()
	var cancel []*pendingRequest
	for _, p := range a.queue {
		if p.req.SessionKey == sessionKey {
			cancel = append(cancel, p)
		}
	}
	a.mu.Unlock()

	for _, p := range cancel {
		select {
		case p.ch <- Response{Action: ActionDeny}:
		default:
		}
	}
}

// Pending lists queued requests in arrival order, head first.
func (a *Arbiter) Pending() []event.PermissionRequiredData {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]event.PermissionRequiredData, 0, len(a.queue))
	for _, p := range a.queue {
		out = append(out, event.PermissionRequiredData{
			ID:         p.id,
			SessionKey: p.req.SessionKey,
			ToolName:   p.req.ToolName,
			ToolInput:  p.req.ToolInput,
		})
	}
	return out
}

// ClearSession drops a closed session's in-memory grants.
func (a *Arbiter) ClearSession(sessionKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.always, sessionKey)
	delete(a.timed, sessionKey)
}

// granted reports whether a standing grant covers the tool: the
// configured allow list, session allow-always, or an unexpired timed
// grant. Expired timed grants are dropped on the way.
func (a *Arbiter) granted(sessionKey, toolName string) bool {
	if a.store != nil {
		if cfg := a.store.Get(); cfg != nil {
			for _, name := range cfg.Permission.AllowedTools {
				if name == toolName {
					return true
				}
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.always[sessionKey][toolName] {
		return true
	}
	if expiry, ok := a.timed[sessionKey][toolName]; ok {
		if a.now().Before(expiry) {
			return true
		}
		delete(a.timed[sessionKey], toolName)
	}
	return false
}

func (a *Arbiter) grantTimed(sessionKey, toolName string, seconds int) {
	window := DefaultTimedGrant
	if seconds > 0 {
		window = time.Duration(seconds) * time.Second
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timed[sessionKey] == nil {
		a.timed[sessionKey] = make(map[string]time.Time)
	}
	a.timed[sessionKey][toolName] = a.now().Add(window)
}

func (a *Arbiter) grantAlways(sessionKey, toolName string) {
	a.mu.Lock()
	if a.always[sessionKey] == nil {
		a.always[sessionKey] = make(map[string]bool)
	}
	a.always[sessionKey][toolName] = true
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.AllowAlways(toolName); err != nil {
			logging.Error().Err(err).Str("tool", toolName).Msg("persist allow-always failed")
		}
	}
}

func (a *Arbiter) deny(req Request, reason string) Decision {
	return Decision{
		Allowed: false,
		Action:  ActionDeny,
		Denied: &types.ToolResultEvent{
			CallID:  req.CallID,
			Content: reason,
			IsError: true,
		},
	}
}

// advance removes a resolved request and, when it was the head,
// presents the next one. A request resolved out of order (CancelAll,
// timeout) leaves the presented head untouched.
func (a *Arbiter) advance(done *pendingRequest) {
	a.mu.Lock()
	wasHead := len(a.queue) > 0 && a.queue[0] == done
	for i, p := range a.queue {
		if p == done {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}
	var head *pendingRequest
	if wasHead && len(a.queue) > 0 {
		head = a.queue[0]
	}
	a.mu.Unlock()

	if head != nil {
		a.publishRequired(head)
	}
}

func (a *Arbiter) publishRequired(p *pendingRequest) {
	event.Publish(event.Event{
		Type: event.PermissionRequired,
		Data: event.PermissionRequiredData{
			ID:         p.id,
			SessionKey: p.req.SessionKey,
			ToolName:   p.req.ToolName,
			ToolInput:  p.req.ToolInput,
		},
	})
}

func (a *Arbiter) timeout() time.Duration {
	if a.store != nil {
		if cfg := a.store.Get(); cfg != nil && cfg.Permission.TimeoutSecs > 0 {
			return time.Duration(cfg.Permission.TimeoutSecs) * time.Second
		}
	}
	return DefaultTimeout
}
