// Package alarm implements at-most-once wake conditions for sessions.
// An alarm binds a wake prompt to a condition: a timer elapsing or
// another session going idle. Firing consumes the alarm before the
// wake is delivered, so no condition ever wakes a session twice.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codedesk-ai/codedesk/internal/event"
	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/internal/session"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// Kind selects the wake condition.
type Kind string

const (
	// KindTimeElapsed fires once after Seconds.
	KindTimeElapsed Kind = "time-elapsed"
	// KindSubsessionComplete fires the next time the subsession named
	// by TargetSession finishes a query, whatever the outcome.
	KindSubsessionComplete Kind = "subsession-complete"
	// KindAgentComplete is KindSubsessionComplete for a peer agent's
	// session rather than a subsession. The trigger is identical; the
	// two names keep registrations self-describing.
	KindAgentComplete Kind = "agent-complete"
)

// watchesIdle reports whether the kind triggers on a session idle
// transition.
func (k Kind) watchesIdle() bool {
	return k == KindSubsessionComplete || k == KindAgentComplete
}

// ErrDuplicateID is returned when a registration reuses a live id.
var ErrDuplicateID = errors.New("alarm: id already registered")

// Alarm is one registered wake condition.
type Alarm struct {
	ID string `json:"id"`
	// OwnerSession receives WakePrompt when the alarm fires.
	OwnerSession string `json:"ownerSession"`
	WakePrompt   string `json:"wakePrompt"`
	Kind         Kind   `json:"kind"`
	// Seconds applies to KindTimeElapsed.
	Seconds int `json:"seconds,omitempty"`
	// TargetSession applies to the completion kinds.
	TargetSession string `json:"targetSession,omitempty"`

	Created int64 `json:"created"`
}

func (a Alarm) validate() error {
	if a.OwnerSession == "" {
		return errors.New("alarm: owner session required")
	}
	if _, _, err := session.ParseKey(a.OwnerSession); err != nil {
		return err
	}
	if a.WakePrompt == "" {
		return errors.New("alarm: wake prompt required")
	}
	switch a.Kind {
	case KindTimeElapsed:
		if a.Seconds <= 0 {
			return errors.New("alarm: seconds must be positive")
		}
	case KindSubsessionComplete, KindAgentComplete:
		if _, _, err := session.ParseKey(a.TargetSession); err != nil {
			return err
		}
	default:
		return fmt.Errorf("alarm: unknown kind %q", a.Kind)
	}
	return nil
}

// Session is the slice of the machine surface a wake needs.
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

type entry struct {
	alarm Alarm
	timer *time.Timer
}

// Registry owns all live alarms.
type Registry struct {
	resolver Resolver

	mu     sync.Mutex
	alarms map[string]*entry

	unsubIdle   func()
	unsubClosed func()
}

// NewRegistry creates a registry and hooks it to the event bus: idle
// transitions drive the completion alarms, and a session closing
// cancels every alarm that references it.
func NewRegistry(resolver Resolver) *Registry {
	r := &Registry{
		resolver: resolver,
		alarms:   make(map[string]*entry),
	}
	r.unsubIdle = event.Subscribe(event.SessionIdle, func(ev event.Event) {
		data, ok := ev.Data.(event.SessionIdleData)
		if !ok {
			return
		}
		r.onSessionIdle(data.SessionKey)
	})
	r.unsubClosed = event.Subscribe(event.SessionClosed, func(ev event.Event) {
		data, ok := ev.Data.(event.SessionClosedData)
		if !ok {
			return
		}
		r.onSessionClosed(data.SessionKey)
	})
	return r
}

// Register validates and arms an alarm, returning its id. A blank id
// gets a generated one; a live id is rejected.
func (r *Registry) Register(a Alarm) (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	a.Created = time.Now().UnixMilli()

	r.mu.Lock()
	if _, exists := r.alarms[a.ID]; exists {
		r.mu.Unlock()
		return "", ErrDuplicateID
	}
	e := &entry{alarm: a}
	if a.Kind == KindTimeElapsed {
		id := a.ID
		e.timer = time.AfterFunc(time.Duration(a.Seconds)*time.Second, func() {
			r.fire(id)
		})
	}
	r.alarms[a.ID] = e
	r.mu.Unlock()

	event.Publish(event.Event{
		Type: event.AlarmRegistered,
		Data: event.AlarmRegisteredData{
			AlarmID:      a.ID,
			EventType:    string(a.Kind),
			OwnerSession: a.OwnerSession,
		},
	})
	return a.ID, nil
}

// Cancel disarms an alarm, reporting whether the id was live. An
// unknown id is not an error: the alarm may simply have fired
// already.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.alarms[id]
	if ok {
		delete(r.alarms, id)
	}
	r.mu.Unlock()

	if ok && e.timer != nil {
		e.timer.Stop()
	}
	return ok
}

// List snapshots live alarms, oldest registration first.
func (r *Registry) List() []Alarm {
	r.mu.Lock()
	out := make([]Alarm, 0, len(r.alarms))
	for _, e := range r.alarms {
		out = append(out, e.alarm)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close detaches the registry from the bus and disarms everything.
func (r *Registry) Close() {
	r.unsubIdle()
	r.unsubClosed()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.alarms))
	for _, e := range r.alarms {
		entries = append(entries, e)
	}
	r.alarms = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

// fire consumes the alarm and wakes its owner. Removal happens before
// delivery: a second trigger for the same id finds nothing.
func (r *Registry) fire(id string) {
	r.mu.Lock()
	e, ok := r.alarms[id]
	if ok {
		delete(r.alarms, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	a := e.alarm

	event.Publish(event.Event{
		Type: event.AlarmFired,
		Data: event.AlarmFiredData{
			AlarmID:      a.ID,
			EventType:    string(a.Kind),
			OwnerSession: a.OwnerSession,
		},
	})

	sess, err := r.resolver.Resolve(a.OwnerSession)
	if err != nil {
		logging.Warn().Err(err).Str("alarm", a.ID).Str("session", a.OwnerSession).
			Msg("alarm owner gone, wake dropped")
		return
	}

	// An idle owner takes the wake directly; a working one gets it
	// queued behind the in-flight query.
	if sess.State() == types.StateIdle {
		err = sess.Submit(context.Background(), a.WakePrompt, nil)
		if errors.Is(err, session.ErrBusy) {
			err = sess.QueuePrompt(a.WakePrompt)
		}
	} else {
		err = sess.QueuePrompt(a.WakePrompt)
		if errors.Is(err, session.ErrIdle) {
			err = sess.Submit(context.Background(), a.WakePrompt, nil)
		}
	}
	if err != nil {
		logging.Warn().Err(err).Str("alarm", a.ID).Str("session", a.OwnerSession).
			Msg("alarm wake failed")
	}
}

func (r *Registry) onSessionIdle(key string) {
	r.mu.Lock()
	var due []string
	for id, e := range r.alarms {
		if e.alarm.Kind.watchesIdle() && e.alarm.TargetSession == key {
			due = append(due, id)
		}
	}
	r.mu.Unlock()

	for _, id := range due {
		r.fire(id)
	}
}

// onSessionClosed cancels every alarm owned by or watching the closed
// session.
func (r *Registry) onSessionClosed(key string) {
	r.mu.Lock()
	var drop []*entry
	for id, e := range r.alarms {
		if e.alarm.OwnerSession == key || e.alarm.TargetSession == key {
			drop = append(drop, e)
			delete(r.alarms, id)
		}
	}
	r.mu.Unlock()

	for _, e := range drop {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
