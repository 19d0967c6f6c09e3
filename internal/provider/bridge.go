package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// ErrQueryActive is returned by Query while a previous stream is
// still open.
var ErrQueryActive = errors.New("provider: query already active")

// Options configures a bridge subprocess.
type Options struct {
	// Command launches the agent bridge, argv style.
	Command []string
	// Dir is the working directory the agent operates in.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
	// PermissionMode is passed through to the agent ("default",
	// "acceptEdits", "bypassPermissions").
	PermissionMode string
	// AllowedTools are pre-approved tool names.
	AllowedTools []string
	// Resume is a conversation id to continue, empty for a fresh one.
	Resume string
}

// Bridge runs the agent as a subprocess and speaks newline-delimited
// JSON-RPC over its stdio. Stream events and permission requests
// arrive as notifications; queries and interrupts go out as requests.
type Bridge struct {
	opts Options
	log  zerolog.Logger

	mu             sync.Mutex
	cmd            *exec.Cmd
	conn           *rpcConn
	stream         *Stream
	conversationID string
	closed         bool
}

// NewBridge creates a bridge. The subprocess is launched lazily on
// the first Query.
func NewBridge(opts Options) *Bridge {
	return &Bridge{
		opts: opts,
		log:  logging.With().Str("component", "provider").Logger(),
	}
}

type initializeParams struct {
	Cwd            string   `json:"cwd"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	Resume         string   `json:"resume,omitempty"`
}

type queryParams struct {
	Prompt string `json:"prompt"`
}

type permissionRequestParams struct {
	ID    int64          `json:"id"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

type permissionResponseParams struct {
	ID      int64  `json:"id"`
	Allow   bool   `json:"allow"`
	Message string `json:"message,omitempty"`
}

// ensureRunning launches the subprocess and completes the initialize
// handshake, retrying with exponential backoff. A conversation id
// from a previous run is resumed so a crash does not lose history.
func (b *Bridge) ensureRunning(ctx context.Context) (*rpcConn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("provider: closed")
	}
	if b.conn != nil && !b.conn.Closed() {
		conn := b.conn
		b.mu.Unlock()
		return conn, nil
	}
	resume := b.conversationID
	if resume == "" {
		resume = b.opts.Resume
	}
	b.mu.Unlock()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	var conn *rpcConn
	err := backoff.Retry(func() error {
		c, err := b.spawn(ctx, resume)
		if err != nil {
			b.log.Warn().Err(err).Msg("bridge start failed, retrying")
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("start agent bridge: %w", err)
	}
	return conn, nil
}

func (b *Bridge) spawn(ctx context.Context, resume string) (*rpcConn, error) {
	if len(b.opts.Command) == 0 {
		return nil, errors.New("provider: empty command")
	}

	cmd := exec.Command(b.opts.Command[0], b.opts.Command[1:]...)
	cmd.Dir = b.opts.Dir
	cmd.Env = append(os.Environ(), b.opts.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	conn := newRPCConn(stdout, stdin, b.handleNotify)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = conn.Call(initCtx, "initialize", initializeParams{
		Cwd:            b.opts.Dir,
		PermissionMode: b.opts.PermissionMode,
		AllowedTools:   b.opts.AllowedTools,
		Resume:         resume,
	})
	if err != nil {
		stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	b.mu.Lock()
	b.cmd = cmd
	b.conn = conn
	b.mu.Unlock()

	go b.reap(cmd, conn)

	b.log.Info().Str("command", b.opts.Command[0]).Msg("agent bridge started")
	return conn, nil
}

// reap watches for subprocess exit and fails the active stream so the
// consumer is never left waiting on a dead pipe.
func (b *Bridge) reap(cmd *exec.Cmd, conn *rpcConn) {
	err := cmd.Wait()

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.cmd = nil
	}
	stream := b.stream
	b.stream = nil
	closed := b.closed
	b.mu.Unlock()

	if stream != nil {
		stream.closeWith(fmt.Errorf("agent bridge exited: %w", exitErr(err)))
	}
	if !closed {
		b.log.Warn().Err(err).Msg("agent bridge exited")
	}
}

func exitErr(err error) error {
	if err == nil {
		return errors.New("process exited")
	}
	return err
}

func (b *Bridge) handleNotify(method string, params json.RawMessage) {
	switch method {
	case "message":
		ev, err := types.UnmarshalStreamEvent(params)
		if err != nil {
			b.log.Debug().Err(err).Msg("unparseable stream event")
			return
		}
		b.dispatch(ev)
	case "permission_request":
		var p permissionRequestParams
		if err := json.Unmarshal(params, &p); err != nil {
			b.log.Debug().Err(err).Msg("bad permission_request")
			return
		}
		b.dispatch(PermissionEvent{ReqID: p.ID, ToolName: p.Tool, ToolInput: p.Input})
	default:
		b.log.Debug().Str("method", method).Msg("unknown notification")
	}
}

func (b *Bridge) dispatch(ev types.StreamEvent) {
	b.mu.Lock()
	switch e := ev.(type) {
	case types.InitEvent:
		if e.ConversationID != "" {
			b.conversationID = e.ConversationID
		}
	case types.ResultEvent:
		if e.ConversationID != "" {
			b.conversationID = e.ConversationID
		}
	}
	stream := b.stream
	b.mu.Unlock()

	if stream == nil {
		b.log.Debug().Str("kind", ev.EventKind()).Msg("event outside query, dropped")
		return
	}
	stream.push(ev)
	if _, ok := ev.(types.ResultEvent); ok {
		stream.closeWith(nil)
		b.mu.Lock()
		if b.stream == stream {
			b.stream = nil
		}
		b.mu.Unlock()
	}
}

// Query starts a query and returns its event stream.
func (b *Bridge) Query(ctx context.Context, prompt string) (*Stream, error) {
	conn, err := b.ensureRunning(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.stream != nil {
		b.mu.Unlock()
		return nil, ErrQueryActive
	}
	stream := newStream()
	b.stream = stream
	b.mu.Unlock()

	go func() {
		// The response arrives after the terminal result message, so
		// in the normal path this close is a no-op. It matters when
		// the query fails before any result is produced.
		_, err := conn.Call(context.Background(), "query", queryParams{Prompt: prompt})
		if err != nil {
			stream.closeWith(err)
		} else {
			stream.closeWith(nil)
		}
		b.mu.Lock()
		if b.stream == stream {
			b.stream = nil
		}
		b.mu.Unlock()
	}()

	return stream, nil
}

// Interrupt asks the agent to abandon the active query. The stream
// stays open until the agent's terminal event arrives.
func (b *Bridge) Interrupt(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("provider: not running")
	}
	_, err := conn.Call(ctx, "interrupt", nil)
	return err
}

// RespondPermission answers a pending permission request.
func (b *Bridge) RespondPermission(ctx context.Context, reqID int64, allow bool, message string) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("provider: not running")
	}
	return conn.Notify("permission_response", permissionResponseParams{
		ID:      reqID,
		Allow:   allow,
		Message: message,
	})
}

// ConversationID reports the provider-side conversation id, empty
// until the first query initializes one.
func (b *Bridge) ConversationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversationID
}

// Close terminates the subprocess. The active stream, if any, ends
// with an error.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	cmd := b.cmd
	b.cmd = nil
	b.conn = nil
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()

	if stream != nil {
		stream.closeWith(errors.New("provider: closed"))
	}
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}
