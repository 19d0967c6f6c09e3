package session

import (
	"context"

	"github.com/codedesk-ai/codedesk/internal/provider"
)

// providerAdapter narrows a concrete provider to the machine's
// Provider interface.
type providerAdapter struct {
	p provider.Provider
}

// AdaptProvider wraps a provider implementation for use by a machine.
func AdaptProvider(p provider.Provider) Provider {
	return providerAdapter{p: p}
}

func (a providerAdapter) Query(ctx context.Context, prompt string) (EventStream, error) {
	stream, err := a.p.Query(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (a providerAdapter) Interrupt(ctx context.Context) error {
	return a.p.Interrupt(ctx)
}

func (a providerAdapter) RespondPermission(ctx context.Context, reqID int64, allow bool, message string) error {
	return a.p.RespondPermission(ctx, reqID, allow, message)
}

func (a providerAdapter) ConversationID() string { return a.p.ConversationID() }

func (a providerAdapter) Close() error { return a.p.Close() }
