package streamclient

import "sync"

// Credentials supplies the long-lived bearer token used to request
// handshake tokens. ok is false when the client is signed out.
type Credentials interface {
	Token() (token string, ok bool)
}

// StaticCredentials is a fixed bearer token.
type StaticCredentials string

func (s StaticCredentials) Token() (string, bool) {
	return string(s), s != ""
}

// TokenSource is a mutable credential holder for clients that sign in and out.
type TokenSource struct {
	mu    sync.RWMutex
	token string
}

// NewTokenSource returns a source holding token.
func NewTokenSource(token string) *TokenSource {
	return &TokenSource{token: token}
}

func (s *TokenSource) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the token.
func (s *TokenSource) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Clear removes the token.
func (s *TokenSource) Clear() {
	s.Set("")
}
