package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// RequireBearer rejects requests without a valid "Authorization: Bearer"
// credential and stores the verified user in the request context.
func RequireBearer(verifier Verifier, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearer(r)
		if token == "" {
			writeUnauthorized(w, ErrMissingToken)
			return
		}
		user, err := verifier.Verify(token)
		if err != nil {
			if logger != nil {
				logger.Warn("bearer verification failed", "error", err, "path", r.URL.Path)
			}
			writeUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// ExtractBearer returns the bearer credential from the Authorization header,
// falling back to X-API-Key.
func ExtractBearer(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	message := "invalid token"
	switch {
	case errors.Is(err, ErrMissingToken):
		message = "missing credentials"
	case errors.Is(err, ErrTokenExpired):
		message = "token expired"
	case errors.Is(err, ErrAuthDisabled):
		message = "authentication not configured"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="pulse"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
