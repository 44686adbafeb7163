// Package main provides the entry point for the Turnix CLI.
package main

import (
	"fmt"
	"os"

	"github.com/turnix/turnix/cmd/turnix/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
