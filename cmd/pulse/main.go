// Package main provides the CLI entry point for Pulse, the real-time
// presence and notification service.
//
// # Basic Usage
//
// Start the server:
//
//	pulse serve --config pulse.yaml
//
// Mint a bearer token for a user and follow their stream:
//
//	pulse token --user alice
//	pulse listen --token <token>
//
// # Environment Variables
//
//   - PULSE_CONFIG: Path to configuration file (default: pulse.yaml)
//   - PULSE_JWT_SECRET: JWT signing secret when running without a config file
//   - PULSE_SERVER: Base URL used by the client commands
//   - PULSE_TOKEN: Bearer token used by the client commands
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Pulse - real-time presence, typing and message notifications",
		Long: `Pulse keeps one push stream per signed-in user and delivers presence
changes, typing indicators and new-message notifications over it.

Streams are opened with a short-lived handshake token obtained by
POST /api/stream/handshake, over text/event-stream or WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildListenCmd(),
		buildOnlineCmd(),
		buildTypingCmd(),
		buildNotifyCmd(),
	)
	return rootCmd
}
