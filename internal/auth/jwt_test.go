package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/pulse/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if user.Name != "User" {
		t.Fatalf("expected name, got %q", user.Name)
	}
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret", time.Hour).Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewJWTService("other", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceExpired(t *testing.T) {
	service := NewJWTService("secret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	service.now = func() time.Time { return issued }
	token, err := service.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	service.now = time.Now
	if _, err := service.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Validate() error = %v, want ErrTokenExpired", err)
	}
}

func TestJWTServiceRequiresIssuer(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "user-1", Issuer: "someone-else"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := NewJWTService("secret", 0).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceRequiresSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{Issuer: Issuer}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := NewJWTService("secret", 0).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceDisabled(t *testing.T) {
	var service *JWTService
	if _, err := service.Generate(&models.User{ID: "x"}); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewJWTService("", 0).Validate("x"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := NewJWTService("secret", 0).Generate(&models.User{ID: " "}); err == nil {
		t.Fatal("expected error for blank user id")
	}
}
