package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Meridian - account-pooling LLM reverse proxy",
	Long: `Meridian is a protocol-translating reverse proxy that exposes an
internal LLM backend through an Anthropic-compatible API.

It pools multiple upstream credentials, transparently rotating between
them when one is rate-limited or out of quota:
  - Sticky account rotation with per-reason lockout policy
  - Bidirectional protocol translation (buffered and streaming)
  - Bounded retry, token refresh, and endpoint failover
  - Token usage accounting and Prometheus metrics`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
