package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://localhost:8080"

// clientOptions are shared by the commands that talk to a running server.
type clientOptions struct {
	server string
	token  string
}

func addClientFlags(cmd *cobra.Command, opts *clientOptions) {
	server := os.Getenv("PULSE_SERVER")
	if server == "" {
		server = defaultServerURL
	}
	cmd.Flags().StringVar(&opts.server, "server", server, "Pulse server base URL (or set PULSE_SERVER)")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("PULSE_TOKEN"), "Bearer token or API key (or set PULSE_TOKEN)")
}

// =============================================================================
// Server Commands
// =============================================================================

type serveOptions struct {
	configPath string
	jwtSecret  string
	port       int
	watch      bool
	debug      bool
}

// buildServeCmd creates the "serve" command.
func buildServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Pulse server",
		Long: `Start the HTTP server with the handshake, stream, typing, notify and
presence endpoints.

Without a configuration file the server runs on defaults and requires
--jwt-secret or PULSE_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML or JSON5 configuration file (or set PULSE_CONFIG)")
	cmd.Flags().StringVar(&opts.jwtSecret, "jwt-secret", "", "JWT signing secret, overrides the configuration (or set PULSE_JWT_SECRET)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "HTTP port, overrides the configuration")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload credentials when the configuration file changes")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	return cmd
}

type tokenOptions struct {
	configPath string
	jwtSecret  string
	userID     string
	email      string
	name       string
	expiry     time.Duration
}

// buildTokenCmd creates the "token" command.
func buildTokenCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file holding the JWT secret")
	cmd.Flags().StringVar(&opts.jwtSecret, "jwt-secret", "", "JWT signing secret (or set PULSE_JWT_SECRET)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "User email")
	cmd.Flags().StringVar(&opts.name, "name", "", "User display name")
	cmd.Flags().DurationVar(&opts.expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Client Commands
// =============================================================================

type listenOptions struct {
	clientOptions
	transport string
}

// buildListenCmd creates the "listen" command.
func buildListenCmd() *cobra.Command {
	var opts listenOptions
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow your push stream and print events as JSON lines",
		Long: `Open a push stream and print every event as one JSON line. The stream
reconnects with exponential backoff until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, opts)
		},
	}
	addClientFlags(cmd, &opts.clientOptions)
	cmd.Flags().StringVar(&opts.transport, "transport", "sse", "Stream transport: sse or ws")
	return cmd
}

// buildOnlineCmd creates the "online" command.
func buildOnlineCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "online [user-id]",
		Short: "List online users, or check one user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnline(cmd, opts, args)
		},
	}
	addClientFlags(cmd, &opts)
	return cmd
}

// buildTypingCmd creates the "typing" command.
func buildTypingCmd() *cobra.Command {
	var opts clientOptions
	var stop bool
	cmd := &cobra.Command{
		Use:   "typing [recipient-id]",
		Short: "Send a typing indicator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTyping(cmd, opts, args[0], !stop)
		},
	}
	addClientFlags(cmd, &opts)
	cmd.Flags().BoolVar(&stop, "stop", false, "Report that typing stopped")
	return cmd
}

// buildNotifyCmd creates the "notify" command.
func buildNotifyCmd() *cobra.Command {
	var opts clientOptions
	var messageID string
	cmd := &cobra.Command{
		Use:   "notify [recipient-id] [content]",
		Short: "Push a new-message notification to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(cmd, opts, args[0], args[1], messageID)
		},
	}
	addClientFlags(cmd, &opts)
	cmd.Flags().StringVar(&messageID, "id", "", "Message ID (generated when empty)")
	return cmd
}
