// Package session implements the per-session state machine and the
// directory that owns all live sessions. A session alternates between
// idle and working: one query runs at a time, its stream is forwarded
// as it arrives, and every completion is classified exactly once
// before deferred work (a compaction retry or a queued prompt) may
// run.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/codedesk-ai/codedesk/internal/event"
	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/internal/permission"
	"github.com/codedesk-ai/codedesk/internal/provider"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

var (
	// ErrBusy is returned by Submit while a query is in flight.
	ErrBusy = errors.New("session: query already in flight")
	// ErrIdle is returned by QueuePrompt when the session is idle;
	// an idle session takes prompts through Submit.
	ErrIdle = errors.New("session: not working, submit directly")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// DefaultDrainTimeout bounds how long an interrupted query may keep
// draining its stream before the session is forced idle.
const DefaultDrainTimeout = 5 * time.Second

// EventStream yields the events of one query in order.
type EventStream interface {
	Recv(ctx context.Context) (types.StreamEvent, error)
}

// Provider is the agent backend a machine drives.
type Provider interface {
	Query(ctx context.Context, prompt string) (EventStream, error)
	Interrupt(ctx context.Context) error
	RespondPermission(ctx context.Context, reqID int64, allow bool, message string) error
	ConversationID() string
	Close() error
}

// Arbiter resolves tool-use authorization for a machine's queries.
// Implemented by permission.Arbiter.
type Arbiter interface {
	Request(ctx context.Context, req permission.Request) permission.Decision
	CancelAll(sessionKey string)
	ClearSession(sessionKey string)
}

// ResponseFunc receives a query's classified outcome and accumulated
// assistant text. It fires exactly once per submitted query.
type ResponseFunc func(outcome types.Outcome, text string)

// Options configures a machine.
type Options struct {
	DrainTimeout time.Duration
	// OnUpdate observes session record changes, used by the directory
	// to persist them.
	OnUpdate func(types.Session)
}

// Machine is the state machine for one session.
type Machine struct {
	key     string
	prov    Provider
	arbiter Arbiter
	opts    Options

	mu         sync.Mutex
	state      types.State
	closed     bool
	queryCount int
	// compactQueryCount records the query during which the provider
	// last reported a compaction, types.NoCompaction otherwise.
	compactQueryCount int
	generation        int
	interrupted       bool
	lastPrompt        string
	queued            []string
	responseFn        ResponseFunc
	respText          *strings.Builder
	// pendingCalls maps tool name to unresolved call ids, newest
	// last, so a denial can be pinned to the right call.
	pendingCalls map[string][]string
	drainTimer   *time.Timer

	record types.Session
}

// NewMachine creates an idle machine for key.
func NewMachine(key string, prov Provider, arbiter Arbiter, opts Options) *Machine {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Machine{
		key:               key,
		prov:              prov,
		arbiter:           arbiter,
		opts:              opts,
		state:             types.StateIdle,
		compactQueryCount: types.NoCompaction,
		pendingCalls:      make(map[string][]string),
		record: types.Session{
			Key: key,
			Time: types.SessionTime{
				Created: time.Now().UnixMilli(),
				Updated: time.Now().UnixMilli(),
			},
		},
	}
}

// Key returns the session key.
func (m *Machine) Key() string { return m.key }

// State returns the current lifecycle state.
func (m *Machine) State() types.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Record returns a snapshot of the persisted session record.
func (m *Machine) Record() types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Submit starts a query. Only an idle session accepts one; a working
// session rejects with ErrBusy and the caller decides whether to
// queue. onResponse, if set, fires exactly once with the outcome.
func (m *Machine) Submit(ctx context.Context, prompt string, onResponse ResponseFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != types.StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = types.StateWorking
	m.queryCount++
	m.generation++
	gen := m.generation
	count := m.queryCount
	m.interrupted = false
	m.lastPrompt = prompt
	m.responseFn = onResponse
	m.respText = &strings.Builder{}
	m.pendingCalls = make(map[string][]string)
	m.record.QueryCount = count
	m.mu.Unlock()

	event.PublishSync(event.Event{
		Type: event.SessionWorking,
		Data: event.SessionWorkingData{SessionKey: m.key, QueryCount: count},
	})

	stream, err := m.prov.Query(ctx, prompt)
	if err != nil {
		m.finish(gen, types.ResultEvent{}, err)
		return nil
	}

	go m.consume(gen, stream)
	return nil
}

// QueuePrompt appends a prompt behind the in-flight query. Rejected
// while idle: there is nothing to queue behind.
func (m *Machine) QueuePrompt(prompt string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != types.StateWorking {
		m.mu.Unlock()
		return ErrIdle
	}
	m.queued = append(m.queued, prompt)
	depth := len(m.queued)
	m.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PromptQueued,
		Data: event.PromptQueuedData{SessionKey: m.key, Prompt: prompt, Depth: depth},
	})
	return nil
}

// QueueDepth reports how many prompts wait behind the current query.
func (m *Machine) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// Interrupt abandons the in-flight query. Deferred state is cleared
// immediately: queued prompts, the compaction marker, and pending
// permission requests do not survive an interrupt. The stream keeps
// draining up to the drain timeout, after which the session is forced
// idle with an interrupted outcome.
func (m *Machine) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	if m.state != types.StateWorking {
		m.mu.Unlock()
		return nil
	}
	m.interrupted = true
	m.queued = nil
	m.compactQueryCount = types.NoCompaction
	gen := m.generation
	if m.drainTimer == nil {
		m.drainTimer = time.AfterFunc(m.opts.DrainTimeout, func() {
			m.finish(gen, types.ResultEvent{Status: "interrupted"}, nil)
		})
	}
	m.mu.Unlock()

	m.arbiter.CancelAll(m.key)
	if err := m.prov.Interrupt(ctx); err != nil {
		logging.Warn().Err(err).Str("session", m.key).Msg("provider interrupt failed")
	}
	return nil
}

// Close shuts the machine down. An in-flight query is abandoned.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.generation++
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
	fn := m.responseFn
	m.responseFn = nil
	m.state = types.StateIdle
	m.queued = nil
	m.mu.Unlock()

	if fn != nil {
		fn(types.OutcomeInterrupted, "")
	}
	m.arbiter.CancelAll(m.key)
	m.arbiter.ClearSession(m.key)
	err := m.prov.Close()

	event.Publish(event.Event{
		Type: event.SessionClosed,
		Data: event.SessionClosedData{SessionKey: m.key},
	})
	return err
}

// consume drains one query's stream, forwarding events and answering
// permission requests, then classifies the completion.
func (m *Machine) consume(gen int, stream EventStream) {
	var result types.ResultEvent
	var streamErr error

	for {
		ev, err := stream.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}

		if m.stale(gen) {
			// Drain past the timeout: keep reading so the provider
			// can unwind, but nothing is forwarded.
			continue
		}

		switch e := ev.(type) {
		case provider.PermissionEvent:
			m.handlePermission(e)
			continue
		case types.InitEvent:
			m.mu.Lock()
			if e.ConversationID != "" {
				m.record.ConversationID = e.ConversationID
			}
			m.mu.Unlock()
		case types.CompactionEvent:
			m.mu.Lock()
			m.compactQueryCount = m.queryCount
			m.mu.Unlock()
		case types.TextEvent:
			m.mu.Lock()
			if m.respText != nil {
				m.respText.WriteString(e.Text)
			}
			m.mu.Unlock()
		case types.ToolUseEvent:
			m.mu.Lock()
			m.pendingCalls[e.Name] = append(m.pendingCalls[e.Name], e.CallID)
			m.mu.Unlock()
		case types.ToolResultEvent:
			m.resolveCall(e.CallID)
		case types.ResultEvent:
			result = e
		}

		m.forward(ev)
	}

	m.finish(gen, result, streamErr)
}

// handlePermission asks the arbiter and answers the provider. A
// denial also forwards the synthesized error result, since the agent
// emits nothing for the denied call. Requests surfacing after an
// interrupt never reach a user: they are denied on the spot, without
// entering the arbiter's queue.
func (m *Machine) handlePermission(ev provider.PermissionEvent) {
	callID := m.latestCall(ev.ToolName)

	m.mu.Lock()
	interrupted := m.interrupted
	m.mu.Unlock()

	var dec permission.Decision
	if interrupted {
		dec = permission.Decision{
			Allowed: false,
			Action:  permission.ActionDeny,
			Denied: &types.ToolResultEvent{
				CallID:  callID,
				Content: "permission denied: session interrupted",
				IsError: true,
			},
		}
	} else {
		dec = m.arbiter.Request(context.Background(), permission.Request{
			SessionKey: m.key,
			CallID:     callID,
			ToolName:   ev.ToolName,
			ToolInput:  ev.ToolInput,
		})
	}

	msg := ""
	if !dec.Allowed {
		msg = "denied"
	}
	if err := m.prov.RespondPermission(context.Background(), ev.ReqID, dec.Allowed, msg); err != nil {
		logging.Warn().Err(err).Str("session", m.key).Msg("permission response failed")
	}

	if !dec.Allowed && dec.Denied != nil {
		m.resolveCall(dec.Denied.CallID)
		m.forward(*dec.Denied)
	}
}

// latestCall returns the newest unresolved call id for a tool.
func (m *Machine) latestCall(toolName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := m.pendingCalls[toolName]
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

func (m *Machine) resolveCall(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, calls := range m.pendingCalls {
		for i, id := range calls {
			if id == callID {
				m.pendingCalls[name] = append(calls[:i], calls[i+1:]...)
				return
			}
		}
	}
}

func (m *Machine) forward(ev types.StreamEvent) {
	event.Publish(event.Event{
		Type: event.StreamForwarded,
		Data: event.StreamForwardedData{SessionKey: m.key, Event: ev},
	})
}

func (m *Machine) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.generation || m.state != types.StateWorking
}

// finish is the single classification point for a query: error beats
// interrupted beats success. It fires the response callback once,
// returns the session to idle, and runs at most one deferred action
// when the outcome is success.
func (m *Machine) finish(gen int, result types.ResultEvent, streamErr error) {
	m.mu.Lock()
	if gen != m.generation || m.state != types.StateWorking || m.closed {
		m.mu.Unlock()
		return
	}
	m.generation++

	outcome := types.OutcomeSuccess
	switch {
	case streamErr != nil || result.IsError || result.Status == "error":
		outcome = types.OutcomeError
	case m.interrupted || result.Status == "interrupted":
		outcome = types.OutcomeInterrupted
	}

	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}

	count := m.queryCount
	fn := m.responseFn
	m.responseFn = nil
	text := ""
	if m.respText != nil {
		text = m.respText.String()
		m.respText = nil
	}

	m.record.TotalCostUSD += result.TotalCostUSD
	m.record.Time.Updated = time.Now().UnixMilli()
	if result.ConversationID != "" {
		m.record.ConversationID = result.ConversationID
	}
	record := m.record

	m.state = types.StateIdle

	var deferred string
	hasDeferred := false
	retrying := false
	if outcome == types.OutcomeSuccess {
		if m.compactQueryCount == count {
			// One retry per compaction, and it preempts the queue.
			m.compactQueryCount = types.NoCompaction
			deferred = compactionContinuation(m.lastPrompt)
			hasDeferred = true
			retrying = true
		} else if len(m.queued) > 0 {
			deferred = m.queued[0]
			m.queued = m.queued[1:]
			hasDeferred = true
		}
	} else {
		// Deferred intents are void on error or interruption.
		m.compactQueryCount = types.NoCompaction
		m.queued = nil
	}
	m.mu.Unlock()

	if streamErr != nil {
		logging.Error().Err(streamErr).Str("session", m.key).Msg("query stream failed")
	}

	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(record)
	}

	if fn != nil {
		fn(outcome, text)
	}

	// Synchronous so alarm and channel observers see the idle
	// transition before any deferred query flips the state back.
	event.PublishSync(event.Event{
		Type: event.SessionIdle,
		Data: event.SessionIdleData{SessionKey: m.key, QueryCount: count, Outcome: outcome},
	})

	if hasDeferred {
		if retrying {
			logging.Info().Str("session", m.key).Msg("resubmitting after compaction")
		}
		if err := m.Submit(context.Background(), deferred, nil); err != nil {
			// An idle observer (alarm wake) can take the slot first;
			// the deferred prompt goes to the head of the queue
			// rather than being lost.
			if errors.Is(err, ErrBusy) {
				m.mu.Lock()
				m.queued = append([]string{deferred}, m.queued...)
				m.mu.Unlock()
			} else {
				logging.Warn().Err(err).Str("session", m.key).Msg("deferred submit failed")
			}
		}
	}
}

// compactionContinuation frames the post-compaction retry. The
// original prompt is referenced, not re-executed, so side effects
// already applied are not replayed.
func compactionContinuation(lastPrompt string) string {
	return "[SYSTEM - context was compacted mid-task] Continue the interrupted work without repeating completed steps. The active request was:\n\n" + lastPrompt
}

// SetTitle updates the display title on the session record.
func (m *Machine) SetTitle(title string) {
	m.mu.Lock()
	m.record.Title = title
	m.record.Time.Updated = time.Now().UnixMilli()
	record := m.record
	m.mu.Unlock()
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(record)
	}
}
