// Package config loads the Pulse server configuration.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/pulse/internal/ratelimit"
)

// Config is the main configuration structure for Pulse.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Stream    StreamConfig    `yaml:"stream"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Typing    TypingConfig    `yaml:"typing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket upgrades. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Address returns the listen address for the HTTP server.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.HTTPPort))
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// StreamConfig tunes the connection registry and stream transports.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	GraceWindow       time.Duration `yaml:"grace_window"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type HandshakeConfig struct {
	TTL           time.Duration    `yaml:"ttl"`
	SweepInterval time.Duration    `yaml:"sweep_interval"`
	RateLimit     ratelimit.Config `yaml:"rate_limit"`
}

type TypingConfig struct {
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied. Files are
// decoded on top of it, so omitted sections keep these values.
func Default() *Config {
	cfg := &Config{
		Handshake: HandshakeConfig{
			RateLimit: ratelimit.Config{RequestsPerSecond: 1, BurstSize: 5, Enabled: true},
		},
		Typing: TypingConfig{
			RateLimit: ratelimit.Config{RequestsPerSecond: 5, BurstSize: 10, Enabled: true},
		},
		Tracing: TracingConfig{SamplingRate: 1},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Stream.HeartbeatInterval == 0 {
		cfg.Stream.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Stream.StaleTimeout == 0 {
		cfg.Stream.StaleTimeout = 5 * time.Minute
	}
	if cfg.Stream.GraceWindow == 0 {
		cfg.Stream.GraceWindow = 5 * time.Second
	}
	if cfg.Stream.SweepInterval == 0 {
		cfg.Stream.SweepInterval = 2 * time.Minute
	}
	if cfg.Stream.WriteTimeout == 0 {
		cfg.Stream.WriteTimeout = 10 * time.Second
	}
	if cfg.Handshake.TTL == 0 {
		cfg.Handshake.TTL = 5 * time.Minute
	}
	if cfg.Handshake.SweepInterval == 0 {
		cfg.Handshake.SweepInterval = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pulse"
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate reports configuration problems that defaults cannot repair.
func (c *Config) Validate() error {
	var issues []string
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		issues = append(issues, "auth: jwt_secret or api_keys is required")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key is empty", i))
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"stream.heartbeat_interval", c.Stream.HeartbeatInterval},
		{"stream.stale_timeout", c.Stream.StaleTimeout},
		{"stream.grace_window", c.Stream.GraceWindow},
		{"stream.sweep_interval", c.Stream.SweepInterval},
		{"stream.write_timeout", c.Stream.WriteTimeout},
		{"handshake.ttl", c.Handshake.TTL},
		{"handshake.sweep_interval", c.Handshake.SweepInterval},
	}
	for _, d := range durations {
		if d.value < 0 {
			issues = append(issues, fmt.Sprintf("%s must be positive", d.name))
		}
	}
	if c.Stream.StaleTimeout > 0 && c.Stream.StaleTimeout <= c.Stream.HeartbeatInterval {
		issues = append(issues, "stream.stale_timeout must exceed stream.heartbeat_interval")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not supported", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
