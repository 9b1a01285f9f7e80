package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequireBearer(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "good-key", UserID: "alice"}}})
	var seen string
	handler := RequireBearer(service, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			t.Fatal("expected user in context")
		}
		seen = user.ID
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantBody   string
	}{
		{name: "bearer", header: "Authorization", value: "Bearer good-key", wantStatus: http.StatusNoContent},
		{name: "lowercase scheme", header: "Authorization", value: "bearer good-key", wantStatus: http.StatusNoContent},
		{name: "api key header", header: "X-API-Key", value: "good-key", wantStatus: http.StatusNoContent},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantBody: "missing credentials"},
		{name: "wrong", header: "Authorization", value: "Bearer nope", wantStatus: http.StatusUnauthorized, wantBody: "invalid token"},
		{name: "basic scheme", header: "Authorization", value: "Basic Zm9vOmJhcg==", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNoContent && seen != "alice" {
				t.Fatalf("handler saw user %q", seen)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate header")
			}
		})
	}
}
