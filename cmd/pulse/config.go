package main

import (
	"os"
	"strings"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
)

const defaultConfigName = "pulse.yaml"

// resolveConfigPath picks the configuration file: the flag, then
// PULSE_CONFIG, then ./pulse.yaml when present. An empty result means the
// server runs on defaults.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("PULSE_CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// jwtSecretOverride returns the flag value, falling back to PULSE_JWT_SECRET.
func jwtSecretOverride(flag string) string {
	if s := strings.TrimSpace(flag); s != "" {
		return s
	}
	return strings.TrimSpace(os.Getenv("PULSE_JWT_SECRET"))
}

// loadConfig loads the resolved configuration file, or defaults when there
// is none, with command-line overrides applied before validation.
func loadConfig(path string, override func(*config.Config)) (*config.Config, string, error) {
	resolved := resolveConfigPath(path)
	if resolved == "" {
		cfg, err := config.FromDefaults(override)
		return cfg, "", err
	}
	cfg, err := config.LoadWith(resolved, override)
	return cfg, resolved, err
}

// newVerifier builds the bearer verifier for cfg.
func newVerifier(cfg *config.Config) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:    k.Key,
			UserID: k.UserID,
			Email:  k.Email,
			Name:   k.Name,
		})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     keys,
	})
}
