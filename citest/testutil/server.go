// Package testutil provides the end-to-end test harness: a full
// engine wired to a scripted agent provider, listening on a real
// port.
package testutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/codedesk-ai/codedesk/internal/alarm"
	"github.com/codedesk-ai/codedesk/internal/channel"
	"github.com/codedesk-ai/codedesk/internal/permission"
	"github.com/codedesk-ai/codedesk/internal/server"
	"github.com/codedesk-ai/codedesk/internal/session"
	"github.com/codedesk-ai/codedesk/internal/storage"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// ScriptedProvider answers every query with a fixed text and a clean
// result. Queries are recorded for assertions.
type ScriptedProvider struct {
	Response string

	mu      sync.Mutex
	prompts []string
}

// Prompts returns the prompts submitted so far.
func (p *ScriptedProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

func (p *ScriptedProvider) Query(ctx context.Context, prompt string) (session.EventStream, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()

	return &scriptedStream{events: []types.StreamEvent{
		types.TextEvent{Text: p.Response},
		types.ResultEvent{Status: "complete", ConversationID: "conv-test"},
	}}, nil
}

func (p *ScriptedProvider) Interrupt(ctx context.Context) error { return nil }

func (p *ScriptedProvider) RespondPermission(ctx context.Context, reqID int64, allow bool, message string) error {
	return nil
}

func (p *ScriptedProvider) ConversationID() string { return "conv-test" }
func (p *ScriptedProvider) Close() error           { return nil }

type scriptedStream struct {
	events []types.StreamEvent
}

func (s *scriptedStream) Recv(ctx context.Context) (types.StreamEvent, error) {
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type configStore struct{}

func (configStore) Get() *types.Config       { return &types.Config{} }
func (configStore) AllowAlways(string) error { return nil }

// TestServer wraps a running engine for end-to-end tests.
type TestServer struct {
	BaseURL  string
	Provider *ScriptedProvider
	Sessions *session.Directory
	Alarms   *alarm.Registry

	srv     *server.Server
	tempDir string
}

// StartTestServer boots the engine on a free port.
func StartTestServer() (*TestServer, error) {
	_ = godotenv.Load("../../.env")

	tempDir, err := os.MkdirTemp("", "codedesk-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	port, err := freePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	prov := &ScriptedProvider{Response: "ok"}
	store := storage.New(tempDir)
	arbiter := permission.NewArbiter(configStore{})
	sessions := session.NewDirectory(store, arbiter, func(key string) session.Provider {
		return prov
	}, session.Options{})
	alarms := alarm.NewRegistry(alarm.DirectoryResolver(sessions))
	channels := channel.NewBridge(channel.DirectoryResolver(sessions))

	cfg := server.DefaultConfig()
	cfg.Port = port
	srv := server.New(cfg, sessions, arbiter, alarms, channels)

	ts := &TestServer{
		BaseURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		Provider: prov,
		Sessions: sessions,
		Alarms:   alarms,
		srv:      srv,
		tempDir:  tempDir,
	}

	go srv.Start()

	if err := ts.waitReady(); err != nil {
		ts.Stop()
		return nil, err
	}
	return ts, nil
}

// Stop shuts the engine down and removes its data directory.
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.srv.Shutdown(ctx)
	ts.Alarms.Close()
	ts.Sessions.CloseAll()
	os.RemoveAll(ts.tempDir)
}

func (ts *TestServer) waitReady() error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.BaseURL + "/session")
		if err == nil {
			resp.Body.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server did not become ready")
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
