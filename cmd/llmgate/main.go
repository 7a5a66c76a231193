// Package main is the entry point for the llmgate CLI.
package main

import (
	"os"

	"github.com/jmylchreest/llmgate/cmd/llmgate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
