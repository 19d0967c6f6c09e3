package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// DefaultPoolPrefix is the namespace this engine registers with the
// daemon; sessions are addressed as "<prefix>.<id>".
const DefaultPoolPrefix = "codedesk"

// requestTimeout bounds one channel request end to end, covering the
// query it runs.
const requestTimeout = 5 * time.Minute

// Client maintains the pool registration with the channel daemon over
// its unix socket, routing injects and channel requests to the
// bridge. The connection is re-established with exponential backoff.
type Client struct {
	bridge     *Bridge
	socketPath string
	prefix     string
}

// NewClient creates a daemon client. prefix falls back to
// DefaultPoolPrefix.
func NewClient(bridge *Bridge, socketPath, prefix string) *Client {
	if prefix == "" {
		prefix = DefaultPoolPrefix
	}
	return &Client{
		bridge:     bridge,
		socketPath: socketPath,
		prefix:     prefix,
	}
}

type daemonRequest struct {
	Method    string `json:"method"`
	Prefix    string `json:"prefix,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Response  any    `json:"response,omitempty"`
}

type daemonAck struct {
	OK bool `json:"ok"`
}

// inbound is one line from the daemon: either an inject or a channel
// request.
type inbound struct {
	Inject  *types.Inject         `json:"inject,omitempty"`
	Channel *types.ChannelMessage `json:"channel,omitempty"`
}

// Run serves the daemon connection until ctx is canceled. Connection
// loss and a missing daemon are both survivable: the client keeps
// retrying with backoff, resetting after each successful
// registration.
func (c *Client) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		registered, err := c.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Debug().Err(err).Str("socket", c.socketPath).Msg("channel daemon unavailable")
		}
		if registered {
			policy.Reset()
		}

		select {
		case <-time.After(policy.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// serve runs one connection: register, then dispatch lines until the
// connection drops. Returns whether registration succeeded.
func (c *Client) serve(ctx context.Context) (bool, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Unblock the read loop on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := writeLine(conn, daemonRequest{Method: "register_pool", Prefix: c.prefix}); err != nil {
		return false, err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return false, err
	}
	var ack daemonAck
	if err := json.Unmarshal(line, &ack); err != nil || !ack.OK {
		return false, fmt.Errorf("pool registration refused")
	}
	logging.Info().Str("prefix", c.prefix).Msg("registered with channel daemon")

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return true, err
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			logging.Debug().Err(err).Msg("bad daemon line skipped")
			continue
		}
		switch {
		case msg.Inject != nil:
			c.bridge.HandleInject(*msg.Inject)
		case msg.Channel != nil:
			// Channel requests block on a full query; each gets its
			// own goroutine so the read loop keeps up.
			go c.handleChannel(ctx, *msg.Channel)
		}
	}
}

func (c *Client) handleChannel(ctx context.Context, msg types.ChannelMessage) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	text, err := c.bridge.Open(reqCtx, msg)

	var response any
	if err != nil {
		code := ErrCode(err)
		if code == "" {
			code = types.ChannelErrQueryFailed
		}
		response = map[string]string{"error": code}
	} else {
		response = text
	}

	if err := c.respond(msg.ChannelID, response); err != nil {
		logging.Warn().Err(err).Str("channel", msg.ChannelID).Msg("channel response delivery failed")
	}
}

// respond delivers a channel response over a fresh connection, the
// daemon's expected pattern for out-of-band replies.
func (c *Client) respond(channelID string, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := writeLine(conn, daemonRequest{
		Method:    "channel_respond",
		ChannelID: channelID,
		Response:  response,
	}); err != nil {
		return err
	}

	// Wait for the ack so the daemon saw the reply before we hang up.
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return err
	}
	var ack daemonAck
	if err := json.Unmarshal(line, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return errors.New("channel response rejected")
	}
	return nil
}

func writeLine(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}
