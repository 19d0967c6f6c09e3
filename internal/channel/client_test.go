package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedesk-ai/codedesk/pkg/types"
)

// fakeDaemon is a minimal channel daemon: it accepts the pool
// registration, can push lines to the pool, and collects
// channel_respond connections.
type fakeDaemon struct {
	t        *testing.T
	listener net.Listener
	pool     chan net.Conn
	responds chan daemonRequest
}

func startFakeDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "pool.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	d := &fakeDaemon{
		t:        t,
		listener: listener,
		pool:     make(chan net.Conn, 1),
		responds: make(chan daemonRequest, 8),
	}
	go d.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return d, socketPath
}

func (d *fakeDaemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDaemon) handle(conn net.Conn) {
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}
	var req daemonRequest
	if err := json.Unmarshal(line, &req); err != nil {
		conn.Close()
		return
	}

	switch req.Method {
	case "register_pool":
		conn.Write([]byte(`{"ok":true}` + "\n"))
		d.pool <- conn
	case "channel_respond":
		d.responds <- req
		conn.Write([]byte(`{"ok":true}` + "\n"))
		conn.Close()
	default:
		conn.Close()
	}
}

func (d *fakeDaemon) poolConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.pool:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client never registered")
	}
	return nil
}

func (d *fakeDaemon) push(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestClient_ChannelRequestRoundTrip(t *testing.T) {
	daemon, socketPath := startFakeDaemon(t)

	sess := &fakeSession{state: types.StateIdle, outcome: types.OutcomeSuccess, respText: "moved north"}
	bridge := testBridge(map[string]*fakeSession{"codedesk.1": sess})
	client := NewClient(bridge, socketPath, "codedesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	conn := daemon.poolConn(t)
	daemon.push(t, conn, map[string]any{
		"channel": map[string]any{
			"channel_id": "ch-7",
			"session_id": "codedesk.1",
			"data":       map[string]string{"msg": "which way?"},
		},
	})

	select {
	case resp := <-daemon.responds:
		assert.Equal(t, "ch-7", resp.ChannelID)
		assert.Equal(t, "moved north", resp.Response)
	case <-time.After(3 * time.Second):
		t.Fatal("no channel response")
	}
}

func TestClient_ChannelErrorReportedByCode(t *testing.T) {
	daemon, socketPath := startFakeDaemon(t)

	bridge := testBridge(map[string]*fakeSession{})
	client := NewClient(bridge, socketPath, "codedesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	conn := daemon.poolConn(t)
	daemon.push(t, conn, map[string]any{
		"channel": map[string]any{
			"channel_id": "ch-8",
			"session_id": "codedesk.9",
			"data":       map[string]string{"msg": "hello?"},
		},
	})

	select {
	case resp := <-daemon.responds:
		assert.Equal(t, "ch-8", resp.ChannelID)
		errMap, ok := resp.Response.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, types.ChannelErrSessionNotFound, errMap["error"])
	case <-time.After(3 * time.Second):
		t.Fatal("no channel response")
	}
}

func TestClient_InjectRouted(t *testing.T) {
	daemon, socketPath := startFakeDaemon(t)

	sess := &fakeSession{state: types.StateIdle, outcome: types.OutcomeSuccess}
	bridge := testBridge(map[string]*fakeSession{"codedesk.1": sess})
	client := NewClient(bridge, socketPath, "codedesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	conn := daemon.poolConn(t)
	daemon.push(t, conn, map[string]any{
		"inject": map[string]string{
			"session_id":  "codedesk.1",
			"wake_prompt": "the build finished",
		},
	})

	assert.Eventually(t, func() bool {
		prompts := sess.promptList()
		return len(prompts) == 1 && prompts[0] == "the build finished"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_ReconnectsAfterDisconnect(t *testing.T) {
	daemon, socketPath := startFakeDaemon(t)

	bridge := testBridge(map[string]*fakeSession{})
	client := NewClient(bridge, socketPath, "codedesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	conn := daemon.poolConn(t)
	conn.Close()

	// the client backs off, then registers again
	select {
	case conn = <-daemon.pool:
		assert.NotNil(t, conn)
	case <-time.After(10 * time.Second):
		t.Fatal("client never re-registered")
	}
}
