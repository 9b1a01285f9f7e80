package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/events"
	"github.com/haasonsaas/pulse/internal/streamclient"
	"github.com/haasonsaas/pulse/pkg/models"
)

// =============================================================================
// Token Command Handler
// =============================================================================

func runToken(cmd *cobra.Command, opts tokenOptions) error {
	userID := strings.TrimSpace(opts.userID)
	if userID == "" {
		return errors.New("--user is required")
	}
	var (
		secret = jwtSecretOverride(opts.jwtSecret)
		expiry = opts.expiry
	)
	if secret == "" || expiry <= 0 {
		cfg, _, err := loadConfig(opts.configPath, func(c *config.Config) {
			if secret != "" {
				c.Auth.JWTSecret = secret
			}
		})
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		secret = cfg.Auth.JWTSecret
		if expiry <= 0 {
			expiry = cfg.Auth.TokenExpiry
		}
	}
	if secret == "" {
		return errors.New("no JWT secret: pass --jwt-secret or configure auth.jwt_secret")
	}

	service := auth.NewService(auth.Config{JWTSecret: secret, TokenExpiry: expiry})
	token, err := service.GenerateJWT(&models.User{ID: userID, Email: opts.email, Name: opts.name})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Client Command Handlers
// =============================================================================

func newAPIClient(opts clientOptions) (*streamclient.HTTPClient, error) {
	if strings.TrimSpace(opts.token) == "" {
		return nil, errors.New("a bearer token is required: pass --token or set PULSE_TOKEN")
	}
	return streamclient.NewHTTPClient(opts.server, opts.token), nil
}

func runListen(cmd *cobra.Command, opts listenOptions) error {
	client, err := newAPIClient(opts.clientOptions)
	if err != nil {
		return err
	}
	var dialer streamclient.Dialer
	switch strings.ToLower(opts.transport) {
	case "", "sse":
		dialer = client
	case "ws", "websocket":
		dialer = streamclient.NewWSDialer(opts.server)
	default:
		return fmt.Errorf("unknown transport %q (want sse or ws)", opts.transport)
	}

	ctrl, err := streamclient.New(streamclient.Config{
		Handshaker:  client,
		Dialer:      dialer,
		Credentials: streamclient.StaticCredentials(opts.token),
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctrl.Subscribe(func(ev events.Event) {
		payload, err := events.MarshalPayload(ev, time.Now())
		if err != nil {
			slog.Warn("failed to render event", "type", ev.Type(), "error", err)
			return
		}
		fmt.Fprintln(out, string(payload))
	})
	ctrl.OnStateChange(func(s streamclient.State) {
		slog.Info("stream state", "state", s.String())
	})

	ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctrl.Connect()
	<-ctx.Done()
	ctrl.Disconnect()
	return nil
}

func runOnline(cmd *cobra.Command, opts clientOptions, args []string) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		online, err := client.IsOnline(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		status := "offline"
		if online {
			status = "online"
		}
		fmt.Fprintf(out, "%s: %s\n", args[0], status)
		return nil
	}

	users, err := client.Online(commandContext(cmd))
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No users online.")
		return nil
	}
	for _, user := range users {
		fmt.Fprintln(out, user)
	}
	return nil
}

func runTyping(cmd *cobra.Command, opts clientOptions, recipientID string, isTyping bool) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	return client.SendTyping(commandContext(cmd), recipientID, isTyping)
}

func runNotify(cmd *cobra.Command, opts clientOptions, recipientID, content, messageID string) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	result, err := client.Notify(commandContext(cmd), models.Message{
		ID:          messageID,
		RecipientID: recipientID,
		Content:     content,
	})
	if err != nil {
		return err
	}
	status := "recipient offline"
	if result.Delivered {
		status = "delivered"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", result.MessageID, status)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
