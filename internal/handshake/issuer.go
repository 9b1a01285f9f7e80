// Package handshake issues short-lived tokens that authorize opening a
// presence stream without putting the long-lived credential in a URL.
package handshake

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 5 * time.Minute

	// TokenBytes is the number of random bytes behind each token (256 bits).
	TokenBytes = 32
)

var (
	ErrNotFound     = errors.New("handshake: session not found")
	ErrUserRequired = errors.New("handshake: user id required")
)

// Session is a pending authorization to open one or more streams.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// Issuer mints and resolves handshake tokens. Sessions live in memory only.
type Issuer struct {
	ttl  time.Duration
	now  func() time.Time
	rand io.Reader

	mu       sync.Mutex
	sessions map[string]Session
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) {
		if r != nil {
			i.rand = r
		}
	}
}

// NewIssuer creates an issuer. A non-positive ttl selects DefaultTTL.
func NewIssuer(ttl time.Duration, opts ...Option) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	issuer := &Issuer{
		ttl:      ttl,
		now:      time.Now,
		rand:     rand.Reader,
		sessions: make(map[string]Session),
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer
}

// TTL returns the session lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue records a new session for userID and returns its token.
func (i *Issuer) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUserRequired
	}

	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("handshake: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.sessions[token]; exists {
		return "", errors.New("handshake: token collision")
	}
	i.sessions[token] = Session{
		UserID:    userID,
		ExpiresAt: i.now().Add(i.ttl),
	}
	return token, nil
}

// Resolve returns the user a token was issued to. Expired sessions are evicted
// and reported as ErrNotFound. A valid session is not consumed.
func (i *Issuer) Resolve(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNotFound
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	session, ok := i.sessions[token]
	if !ok {
		return "", ErrNotFound
	}
	if !i.now().Before(session.ExpiresAt) {
		delete(i.sessions, token)
		return "", ErrNotFound
	}
	return session.UserID, nil
}

// SweepExpired removes every expired session and returns how many were removed.
func (i *Issuer) SweepExpired() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	removed := 0
	for token, session := range i.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(i.sessions, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions currently held, expired or not.
func (i *Issuer) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sessions)
}

// Fingerprint returns a short prefix of token that is safe to log.
func Fingerprint(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "..."
}
