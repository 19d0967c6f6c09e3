package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedesk-ai/codedesk/pkg/types"
)

// fakePeer is the far side of an rpcConn: it reads the requests the
// client writes and can push responses and notifications back.
type fakePeer struct {
	t        *testing.T
	scanner  *bufio.Scanner
	w        io.Writer
	requests chan rpcMessage
}

func newFakePeer(t *testing.T, onNotify func(method string, params json.RawMessage)) (*fakePeer, *rpcConn) {
	t.Helper()

	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()

	if onNotify == nil {
		onNotify = func(string, json.RawMessage) {}
	}
	conn := newRPCConn(clientIn, clientOut, onNotify)

	peer := &fakePeer{
		t:        t,
		scanner:  bufio.NewScanner(peerIn),
		w:        peerOut,
		requests: make(chan rpcMessage, 16),
	}
	go func() {
		for peer.scanner.Scan() {
			var msg rpcMessage
			if err := json.Unmarshal(peer.scanner.Bytes(), &msg); err != nil {
				continue
			}
			peer.requests <- msg
		}
		close(peer.requests)
	}()

	t.Cleanup(func() {
		peerOut.Close()
		clientOut.Close()
	})

	return peer, conn
}

func (p *fakePeer) nextRequest() rpcMessage {
	p.t.Helper()
	select {
	case msg, ok := <-p.requests:
		if !ok {
			p.t.Fatal("peer pipe closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for request")
	}
	return rpcMessage{}
}

func (p *fakePeer) send(v any) {
	p.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		p.t.Fatal(err)
	}
	if _, err := p.w.Write(append(data, '\n')); err != nil {
		p.t.Fatal(err)
	}
}

func (p *fakePeer) respond(id int64, result any) {
	p.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (p *fakePeer) notify(method string, params any) {
	p.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func TestRPCConn_Call(t *testing.T) {
	peer, conn := newFakePeer(t, nil)

	go func() {
		req := peer.nextRequest()
		assert.Equal(t, "ping", req.Method)
		peer.respond(req.ID, map[string]any{"ok": true})
	}()

	result, err := conn.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRPCConn_CallError(t *testing.T) {
	peer, conn := newFakePeer(t, nil)

	go func() {
		req := peer.nextRequest()
		peer.send(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32000, "message": "boom"},
		})
	}()

	_, err := conn.Call(context.Background(), "explode", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRPCConn_CallContextCanceled(t *testing.T) {
	_, conn := newFakePeer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conn.Call(ctx, "never", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// testBridge wires a Bridge to a fake peer, skipping the subprocess.
func testBridge(t *testing.T) (*Bridge, *fakePeer) {
	t.Helper()
	b := NewBridge(Options{Command: []string{"unused"}})
	peer, conn := newFakePeer(t, b.handleNotify)
	b.conn = conn
	return b, peer
}

func TestBridge_QueryStreamsEventsInOrder(t *testing.T) {
	b, peer := testBridge(t)

	stream, err := b.Query(context.Background(), "hello")
	require.NoError(t, err)

	req := peer.nextRequest()
	require.Equal(t, "query", req.Method)

	peer.notify("message", map[string]any{
		"type": "system", "subtype": "init",
		"data": map[string]any{"session_id": "conv-1", "model": "sonnet"},
	})
	peer.notify("message", map[string]any{"type": "text", "text": "hi"})
	peer.notify("message", map[string]any{
		"type": "tool_use", "id": "call-1", "name": "Read",
		"input": map[string]any{"path": "/tmp/x"},
	})
	peer.notify("message", map[string]any{
		"type": "tool_result", "tool_use_id": "call-1", "content": "ok",
	})
	peer.notify("message", map[string]any{
		"type": "result", "status": "complete", "session_id": "conv-1",
		"num_turns": 2, "total_cost_usd": 0.01,
	})
	peer.respond(req.ID, map[string]any{"status": "complete"})

	ctx := context.Background()

	ev, err := stream.Recv(ctx)
	require.NoError(t, err)
	init, ok := ev.(types.InitEvent)
	require.True(t, ok)
	assert.Equal(t, "conv-1", init.ConversationID)

	ev, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TextEvent{Text: "hi"}, ev)

	ev, err = stream.Recv(ctx)
	require.NoError(t, err)
	use, ok := ev.(types.ToolUseEvent)
	require.True(t, ok)
	assert.Equal(t, "call-1", use.CallID)
	assert.Equal(t, "Read", use.Name)

	ev, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ToolResultEvent{CallID: "call-1", Content: "ok"}, ev)

	ev, err = stream.Recv(ctx)
	require.NoError(t, err)
	result, ok := ev.(types.ResultEvent)
	require.True(t, ok)
	assert.Equal(t, "complete", result.Status)
	assert.Equal(t, 2, result.NumTurns)

	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "conv-1", b.ConversationID())
}

func TestBridge_SecondQueryWhileActive(t *testing.T) {
	b, peer := testBridge(t)

	_, err := b.Query(context.Background(), "first")
	require.NoError(t, err)
	peer.nextRequest()

	_, err = b.Query(context.Background(), "second")
	assert.ErrorIs(t, err, ErrQueryActive)
}

func TestBridge_QueryAgainAfterResult(t *testing.T) {
	b, peer := testBridge(t)

	stream, err := b.Query(context.Background(), "one")
	require.NoError(t, err)
	req := peer.nextRequest()

	peer.notify("message", map[string]any{"type": "result", "status": "complete"})
	peer.respond(req.ID, map[string]any{"status": "complete"})

	ctx := context.Background()
	_, err = stream.Recv(ctx)
	require.NoError(t, err)
	_, err = stream.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)

	_, err = b.Query(ctx, "two")
	require.NoError(t, err)
	req = peer.nextRequest()
	assert.Equal(t, "query", req.Method)
}

func TestBridge_QueryRPCErrorFailsStream(t *testing.T) {
	b, peer := testBridge(t)

	stream, err := b.Query(context.Background(), "doomed")
	require.NoError(t, err)

	req := peer.nextRequest()
	peer.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"error":   map[string]any{"code": -32000, "message": "agent unavailable"},
	})

	_, err = stream.Recv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent unavailable")
}

func TestBridge_PermissionRoundTrip(t *testing.T) {
	b, peer := testBridge(t)

	stream, err := b.Query(context.Background(), "use a tool")
	require.NoError(t, err)
	peer.nextRequest()

	peer.notify("permission_request", map[string]any{
		"id":    int64(7),
		"tool":  "Bash",
		"input": map[string]any{"command": "ls"},
	})

	ev, err := stream.Recv(context.Background())
	require.NoError(t, err)
	perm, ok := ev.(PermissionEvent)
	require.True(t, ok)
	assert.Equal(t, int64(7), perm.ReqID)
	assert.Equal(t, "Bash", perm.ToolName)
	assert.Equal(t, "ls", perm.ToolInput["command"])

	require.NoError(t, b.RespondPermission(context.Background(), perm.ReqID, false, "denied by user"))

	resp := peer.nextRequest()
	assert.Equal(t, "permission_response", resp.Method)
	var p permissionResponseParams
	require.NoError(t, json.Unmarshal(resp.Params, &p))
	assert.Equal(t, int64(7), p.ID)
	assert.False(t, p.Allow)
	assert.Equal(t, "denied by user", p.Message)
}

func TestBridge_InterruptSendsRequest(t *testing.T) {
	b, peer := testBridge(t)

	go func() {
		req := peer.nextRequest()
		assert.Equal(t, "interrupt", req.Method)
		peer.respond(req.ID, map[string]any{})
	}()

	require.NoError(t, b.Interrupt(context.Background()))
}

func TestStream_RecvAfterClose(t *testing.T) {
	s := newStream()
	s.push(types.TextEvent{Text: "tail"})
	s.closeWith(nil)

	ev, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TextEvent{Text: "tail"}, ev)

	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
