// Command codedesk-alarm-mcp runs the alarm MCP server over stdio.
// The engine registers it with the agent bridge so sessions can set
// their own wake-ups; CODEDESK_SERVER and CODEDESK_SESSION identify
// the engine endpoint and the owning session.
package main

import (
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/codedesk-ai/codedesk/pkg/mcpserver/alarmtool"
)

func main() {
	baseURL := os.Getenv("CODEDESK_SERVER")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:7777"
	}

	s := alarmtool.NewServer(&alarmtool.Client{
		BaseURL:      baseURL,
		OwnerSession: os.Getenv("CODEDESK_SESSION"),
	})
	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}
