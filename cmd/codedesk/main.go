// Package main provides the entry point for the codedesk CLI.
package main

import (
	"fmt"
	"os"

	"github.com/codedesk-ai/codedesk/cmd/codedesk/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
