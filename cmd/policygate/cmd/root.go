// Package cmd provides the CLI commands for PolicyGate.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/policygate/gateway/internal/config"
)

// Process exit codes.
const (
	exitOK            = 0
	exitConfigError   = 2
	exitStartupFailed = 3
	exitTerminated    = 130
)

// exitError carries a specific process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error  { return &exitError{code: exitConfigError, err: err} }
func startupError(err error) error { return &exitError{code: exitStartupFailed, err: err} }

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "policygate",
	Short: "PolicyGate - policy enforcement gateway for MCP agents",
	Long: `PolicyGate sits between AI agents and the Model Context Protocol (MCP)
servers they call, evaluating every tool call, sampling request, and
elicitation against a policy before it reaches the upstream and before
the response reaches the agent.

It provides authentication, authorization, rate limiting, response
scanning, and audit logging for MCP traffic without requiring changes
to the upstream MCP servers.

Quick start:
  1. Create a config file: policygate.yaml
  2. Run: policygate serve

Configuration:
  Config is loaded from policygate.yaml in the current directory,
  $HOME/.policygate/, or /etc/policygate/.

  Environment variables can override config values with the POLICYGATE_ prefix.
  Example: POLICYGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the gateway
  stop        Stop the running gateway
  reset       Reset to clean state (remove state.json)
  hash-key    Generate SHA256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command, mapping failures to the documented exit
// codes: 0 normal, 2 configuration error, 3 unrecoverable startup failure,
// 130 external termination.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	if errors.Is(err, context.Canceled) {
		os.Exit(exitTerminated)
	}

	fmt.Fprintln(os.Stderr, err)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(1)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policygate.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
