package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

func TestServiceVerifyAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", UserID: "user-1", Email: "user@example.com"}}})
	user, err := service.Verify("abc123")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
}

func TestServiceVerifyAPIKeyDerivedUserID(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k"}}})
	user, err := service.Verify("k")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !strings.HasPrefix(user.ID, "api_") {
		t.Fatalf("expected derived id, got %q", user.ID)
	}
}

func TestServiceVerifyJWT(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	token, err := service.GenerateJWT(&models.User{ID: "alice"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	user, err := service.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if user.ID != "alice" {
		t.Fatalf("Verify() user = %q", user.ID)
	}
}

func TestServiceVerifyErrors(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret"})
	if _, err := service.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Verify(\"\") error = %v", err)
	}
	if _, err := service.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(garbage) error = %v", err)
	}

	keysOnly := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k"}}})
	if _, err := keysOnly.Verify("other"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(other) error = %v", err)
	}

	disabled := NewService(Config{})
	if disabled.Enabled() {
		t.Fatal("service without secret or keys should be disabled")
	}
	if _, err := disabled.Verify("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Verify() on disabled service error = %v", err)
	}
}

func TestServiceVerifyReturnsCopy(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k", UserID: "u"}}})
	first, _ := service.Verify("k")
	first.ID = "mutated"
	second, _ := service.Verify("k")
	if second.ID != "u" {
		t.Fatalf("stored identity was mutated: %q", second.ID)
	}
}
