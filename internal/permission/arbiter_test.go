package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedesk-ai/codedesk/internal/event"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

type stubStore struct {
	cfg     *types.Config
	granted []string
}

func (s *stubStore) Get() *types.Config { return s.cfg }

func (s *stubStore) AllowAlways(toolName string) error {
	s.granted = append(s.granted, toolName)
	return nil
}

// requiredEvents captures permission.required publications.
func requiredEvents(t *testing.T) <-chan event.PermissionRequiredData {
	t.Helper()
	ch := make(chan event.PermissionRequiredData, 16)
	unsub := event.Subscribe(event.PermissionRequired, func(ev event.Event) {
		ch <- ev.Data.(event.PermissionRequiredData)
	})
	t.Cleanup(unsub)
	return ch
}

func waitRequired(t *testing.T, ch <-chan event.PermissionRequiredData) event.PermissionRequiredData {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permission.required")
	}
	return event.PermissionRequiredData{}
}

func TestArbiter_AllowOnce(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	a := NewArbiter(nil)

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "call-1", ToolName: "Bash",
		})
	}()

	head := waitRequired(t, required)
	assert.Equal(t, "Bash", head.ToolName)
	assert.Equal(t, "view.1", head.SessionKey)

	require.NoError(t, a.Respond(head.ID, Response{Action: ActionAllow}))

	dec := <-decisions
	assert.True(t, dec.Allowed)
	assert.Nil(t, dec.Denied)

	// allow-once leaves no standing grant
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "call-2", ToolName: "Bash",
		})
	}()
	head = waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionDeny}))
	dec = <-decisions
	assert.False(t, dec.Allowed)
}

func TestArbiter_DenySynthesizesErrorResult(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	a := NewArbiter(nil)

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "call-9", ToolName: "Write",
		})
	}()

	head := waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionDeny}))

	dec := <-decisions
	assert.False(t, dec.Allowed)
	require.NotNil(t, dec.Denied)
	assert.Equal(t, "call-9", dec.Denied.CallID)
	assert.True(t, dec.Denied.IsError)
}

func TestArbiter_ConfiguredAllowList(t *testing.T) {
	event.Reset()
	store := &stubStore{cfg: &types.Config{
		Permission: types.PermissionConfig{AllowedTools: []string{"Read"}},
	}}
	a := NewArbiter(store)

	dec := a.Request(context.Background(), Request{
		SessionKey: "view.1", CallID: "c", ToolName: "Read",
	})
	assert.True(t, dec.Allowed)
}

func TestArbiter_AllowAlwaysPersistsAndSkipsQueue(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	store := &stubStore{cfg: &types.Config{}}
	a := NewArbiter(store)

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c1", ToolName: "Bash",
		})
	}()
	head := waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionAllowAlways}))

	dec := <-decisions
	assert.True(t, dec.Allowed)
	assert.Equal(t, []string{"Bash"}, store.granted)

	// No interaction the second time.
	dec = a.Request(context.Background(), Request{
		SessionKey: "view.1", CallID: "c2", ToolName: "Bash",
	})
	assert.True(t, dec.Allowed)
	assert.Empty(t, a.Pending())
}

func TestArbiter_AllowTimedExpires(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	a := NewArbiter(nil)

	current := time.Now()
	a.now = func() time.Time { return current }

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c1", ToolName: "Bash",
		})
	}()
	head := waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionAllowTimed, Seconds: 60}))
	dec := <-decisions
	assert.True(t, dec.Allowed)

	// Inside the window: no interaction.
	current = current.Add(30 * time.Second)
	dec = a.Request(context.Background(), Request{
		SessionKey: "view.1", CallID: "c2", ToolName: "Bash",
	})
	assert.True(t, dec.Allowed)

	// Past the window: back to asking.
	current = current.Add(31 * time.Second)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c3", ToolName: "Bash",
		})
	}()
	head = waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionDeny}))
	dec = <-decisions
	assert.False(t, dec.Allowed)
}

func TestArbiter_OnlyHeadPresented(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	a := NewArbiter(nil)

	first := make(chan Decision, 1)
	go func() {
		first <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c1", ToolName: "Bash",
		})
	}()
	head := waitRequired(t, required)

	second := make(chan Decision, 1)
	go func() {
		second <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c2", ToolName: "Write",
		})
	}()

	// The second request queues behind the head without being
	// presented.
	assert.Eventually(t, func() bool { return len(a.Pending()) == 2 }, time.Second, 5*time.Millisecond)
	select {
	case data := <-required:
		t.Fatalf("queued request presented early: %+v", data)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Respond(head.ID, Response{Action: ActionAllow}))
	assert.True(t, (<-first).Allowed)

	// Now the second becomes head and is presented.
	next := waitRequired(t, required)
	assert.Equal(t, "Write", next.ToolName)
	require.NoError(t, a.Respond(next.ID, Response{Action: ActionDeny}))
	assert.False(t, (<-second).Allowed)
}

func TestArbiter_Timeout(t *testing.T) {
	event.Reset()
	store := &stubStore{cfg: &types.Config{
		Permission: types.PermissionConfig{TimeoutSecs: 1},
	}}
	a := NewArbiter(store)

	start := time.Now()
	dec := a.Request(context.Background(), Request{
		SessionKey: "view.1", CallID: "c1", ToolName: "Bash",
	})
	assert.False(t, dec.Allowed)
	require.NotNil(t, dec.Denied)
	assert.True(t, dec.Denied.IsError)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Empty(t, a.Pending())
}

func TestArbiter_CancelAll(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	a := NewArbiter(nil)

	decisions := make(chan Decision, 2)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c1", ToolName: "Bash",
		})
	}()
	waitRequired(t, required)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c2", ToolName: "Write",
		})
	}()
	assert.Eventually(t, func() bool { return len(a.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	a.CancelAll("view.1")

	for i := 0; i < 2; i++ {
		dec := <-decisions
		assert.False(t, dec.Allowed)
		require.NotNil(t, dec.Denied)
	}
	assert.Empty(t, a.Pending())
}

func TestArbiter_ContextCanceledDenies(t *testing.T) {
	event.Reset()
	a := NewArbiter(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec := a.Request(ctx, Request{SessionKey: "view.1", CallID: "c1", ToolName: "Bash"})
	assert.False(t, dec.Allowed)
	require.NotNil(t, dec.Denied)
}

func TestArbiter_ClearSessionDropsGrants(t *testing.T) {
	event.Reset()
	required := requiredEvents(t)
	a := NewArbiter(nil)

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c1", ToolName: "Bash",
		})
	}()
	head := waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionAllowTimed}))
	require.True(t, (<-decisions).Allowed)

	a.ClearSession("view.1")

	go func() {
		decisions <- a.Request(context.Background(), Request{
			SessionKey: "view.1", CallID: "c2", ToolName: "Bash",
		})
	}()
	head = waitRequired(t, required)
	require.NoError(t, a.Respond(head.ID, Response{Action: ActionDeny}))
	assert.False(t, (<-decisions).Allowed)
}
