// Package cmd provides the CLI commands for relaygate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relaygate",
	Short: "relaygate - HTTP and WebSocket request broker",
	Long: `relaygate sits between browser clients and a backend API.

It accepts HTTP requests and WebSocket frames, authenticates them with
short-lived session tokens or per-connection state, and forwards them to
the backend on behalf of the client.

Quick start:
  1. Create a config file: relaygate.yaml
  2. Run: relaygate start

Configuration:
  Config is loaded from relaygate.yaml in the current directory,
  $HOME/.relaygate/, or /etc/relaygate/.

  Environment variables can override config values with the RELAYGATE_ prefix.
  Example: RELAYGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the broker
  token       Issue or verify session tokens
  config      Print the effective configuration
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./relaygate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
