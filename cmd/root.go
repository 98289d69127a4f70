// Package cmd provides the rezzy CLI commands.
//
// Commands:
//   - serve: the relay HTTP server (SSE streaming chat API)
//   - demo: the terminal demo flow against a running relay
//   - token: mint a signed API token for a user id
//   - version: build information
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "rezzy",
	Short:         "Rezzy - pediatric chat relay and clients",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
