package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/codedesk-ai/codedesk/internal/event"
	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/internal/storage"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// ErrUnknownSession is returned when a key resolves to no live
// session.
var ErrUnknownSession = errors.New("session: unknown session")

// ParseKey splits a session key into namespace and numeric id. Keys
// have the form "<namespace>.<id>"; the id is the digits after the
// last dot.
func ParseKey(key string) (namespace string, id int, err error) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("session: malformed key %q", key)
	}
	id, err = strconv.Atoi(key[i+1:])
	if err != nil || id < 0 {
		return "", 0, fmt.Errorf("session: malformed key %q", key)
	}
	return key[:i], id, nil
}

// ProviderFactory builds the agent backend for a new session.
type ProviderFactory func(key string) Provider

// Directory owns every live session machine, hands out keys, and
// persists session records across restarts.
type Directory struct {
	store   *storage.Storage
	arbiter Arbiter
	factory ProviderFactory
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Machine
	counters map[string]int
}

// NewDirectory creates a directory backed by store. Counters resume
// past the highest persisted id per namespace so keys are never
// reused.
func NewDirectory(store *storage.Storage, arbiter Arbiter, factory ProviderFactory, opts Options) *Directory {
	d := &Directory{
		store:    store,
		arbiter:  arbiter,
		factory:  factory,
		opts:     opts,
		sessions: make(map[string]*Machine),
		counters: make(map[string]int),
	}
	if store != nil {
		keys, err := store.List(context.Background(), []string{"sessions"})
		if err != nil {
			logging.Warn().Err(err).Msg("list persisted sessions failed")
		}
		for _, key := range keys {
			ns, id, err := ParseKey(key)
			if err != nil {
				continue
			}
			if id >= d.counters[ns] {
				d.counters[ns] = id + 1
			}
		}
	}
	return d
}

// Create allocates the next key in namespace, starting at 0, and
// starts an idle session for it.
func (d *Directory) Create(ctx context.Context, namespace string) (*Machine, error) {
	if namespace == "" {
		return nil, errors.New("session: empty namespace")
	}

	d.mu.Lock()
	key := fmt.Sprintf("%s.%d", namespace, d.counters[namespace])
	d.counters[namespace]++

	opts := d.opts
	opts.OnUpdate = func(record types.Session) {
		d.persist(record)
	}
	m := NewMachine(key, d.factory(key), d.arbiter, opts)
	d.sessions[key] = m
	d.mu.Unlock()

	d.persist(m.Record())

	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: ptr(m.Record())},
	})
	return m, nil
}

// Resolve returns the live session for key. The key is validated
// before lookup so a malformed identity fails distinctly from an
// unknown one.
func (d *Directory) Resolve(key string) (*Machine, error) {
	if _, _, err := ParseKey(key); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.sessions[key]
	if !ok {
		return nil, ErrUnknownSession
	}
	return m, nil
}

// List snapshots the records of all live sessions, oldest first.
func (d *Directory) List() []types.Session {
	d.mu.Lock()
	machines := make([]*Machine, 0, len(d.sessions))
	for _, m := range d.sessions {
		machines = append(machines, m)
	}
	d.mu.Unlock()

	records := make([]types.Session, 0, len(machines))
	for _, m := range machines {
		records = append(records, m.Record())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Time.Created != records[j].Time.Created {
			return records[i].Time.Created < records[j].Time.Created
		}
		return records[i].Key < records[j].Key
	})
	return records
}

// Close shuts down one session and forgets it. The persisted record
// stays on disk.
func (d *Directory) Close(key string) error {
	d.mu.Lock()
	m, ok := d.sessions[key]
	delete(d.sessions, key)
	d.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}
	return m.Close()
}

// CloseAll shuts down every live session.
func (d *Directory) CloseAll() {
	d.mu.Lock()
	machines := make([]*Machine, 0, len(d.sessions))
	for _, m := range d.sessions {
		machines = append(machines, m)
	}
	d.sessions = make(map[string]*Machine)
	d.mu.Unlock()

	for _, m := range machines {
		if err := m.Close(); err != nil {
			logging.Warn().Err(err).Str("session", m.Key()).Msg("close failed")
		}
	}
}

func (d *Directory) persist(record types.Session) {
	if d.store == nil {
		return
	}
	if err := d.store.Put(context.Background(), []string{"sessions", record.Key}, record); err != nil {
		logging.Error().Err(err).Str("session", record.Key).Msg("persist session failed")
	}
}

func ptr[T any](v T) *T { return &v }
