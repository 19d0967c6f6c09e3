// Package alarmtool provides an MCP server exposing alarm tools to the
// agent. Handlers call the engine's HTTP API, so the server runs as a
// stdio subprocess while the alarm registry stays in the engine.
package alarmtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Client calls the engine's alarm endpoints on behalf of one session.
type Client struct {
	BaseURL string
	// OwnerSession is the session key credited as the alarm owner,
	// typically the session hosting this MCP server.
	OwnerSession string
	HTTPClient   *http.Client
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// NewServer creates an MCP server with the alarm tools.
func NewServer(c *Client) *server.MCPServer {
	s := server.NewMCPServer(
		"codedesk-alarm",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	setTool := mcp.NewTool("set_alarm",
		mcp.WithDescription("Register a wake-up for this session. time-elapsed takes seconds; subsession-complete and agent-complete take target_session and fire when that session next finishes a query."),
		mcp.WithString("event_type",
			mcp.Required(),
			mcp.Description("One of time-elapsed, subsession-complete, agent-complete"),
			mcp.Enum("time-elapsed", "subsession-complete", "agent-complete"),
		),
		mcp.WithString("wake_prompt",
			mcp.Required(),
			mcp.Description("Prompt delivered to this session when the alarm fires"),
		),
		mcp.WithNumber("seconds",
			mcp.Description("time-elapsed: fire after this many seconds"),
		),
		mcp.WithString("target_session",
			mcp.Description("subsession-complete/agent-complete: the watched session key"),
		),
		mcp.WithString("alarm_id",
			mcp.Description("Optional caller-chosen id; generated when absent"),
		),
	)
	s.AddTool(setTool, c.setAlarmHandler)

	cancelTool := mcp.NewTool("cancel_alarm",
		mcp.WithDescription("Cancel a previously registered alarm"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Alarm id returned by set_alarm"),
		),
	)
	s.AddTool(cancelTool, c.cancelAlarmHandler)

	listTool := mcp.NewTool("list_alarms",
		mcp.WithDescription("List live alarms"),
	)
	s.AddTool(listTool, c.listAlarmsHandler)

	return s
}

// setAlarmHandler handles the set_alarm tool call.
func (c *Client) setAlarmHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	wakePrompt, _ := args["wake_prompt"].(string)
	if wakePrompt == "" {
		return mcp.NewToolResultError("wake_prompt argument is required"), nil
	}

	seconds := 0
	if n, ok := args["seconds"].(float64); ok {
		seconds = int(n)
	}
	targetSession, _ := args["target_session"].(string)

	body := map[string]any{
		"ownerSession": c.OwnerSession,
		"wakePrompt":   wakePrompt,
	}
	if id, _ := args["alarm_id"].(string); id != "" {
		body["id"] = id
	}

	eventType, _ := args["event_type"].(string)
	switch eventType {
	case "time-elapsed":
		if seconds <= 0 {
			return mcp.NewToolResultError("time-elapsed requires positive seconds"), nil
		}
		body["kind"] = eventType
		body["seconds"] = seconds
	case "subsession-complete", "agent-complete":
		if targetSession == "" {
			return mcp.NewToolResultError(eventType + " requires target_session"), nil
		}
		body["kind"] = eventType
		body["targetSession"] = targetSession
	default:
		return mcp.NewToolResultError("unknown event_type"), nil
	}

	var res struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/alarm", body, &res); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("alarm registered: %s", res.ID)), nil
}

// cancelAlarmHandler handles the cancel_alarm tool call.
func (c *Client) cancelAlarmHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id argument is required"), nil
	}
	var res struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodDelete, "/alarm/"+id, nil, &res); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res.Status == "not-found" {
		return mcp.NewToolResultText("not-found: no live alarm " + id), nil
	}
	return mcp.NewToolResultText("alarm canceled"), nil
}

// listAlarmsHandler handles the list_alarms tool call.
func (c *Client) listAlarmsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var alarms json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/alarm", nil, &alarms); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(alarms)), nil
}

// call issues one JSON request against the engine API.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("engine error: %s", apiErr.Error.Message)
		}
		return fmt.Errorf("engine error: status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
