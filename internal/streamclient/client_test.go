package streamclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/events"
	"github.com/haasonsaas/pulse/internal/gateway"
	"github.com/haasonsaas/pulse/internal/handshake"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/presence"
	"github.com/haasonsaas/pulse/pkg/models"
)

func startServer(t *testing.T) (string, *presence.Registry) {
	t.Helper()
	cfg := config.Default()
	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)
	registry := presence.NewRegistry(presence.WithMetrics(metrics))
	verifier := auth.NewService(auth.Config{APIKeys: []auth.APIKeyConfig{
		{Key: "alice-key", UserID: "alice"},
		{Key: "bob-key", UserID: "bob"},
	}})
	server, err := gateway.New(cfg, gateway.Deps{
		Registry: registry,
		Issuer:   handshake.NewIssuer(cfg.Handshake.TTL),
		Verifier: verifier,
		Metrics:  metrics,
		Gatherer: promRegistry,
	})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(registry.Close)
	return ts.URL, registry
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func connect(t *testing.T, baseURL, key string, dialer Dialer) (*Controller, <-chan events.Event) {
	t.Helper()
	ctrl, err := New(Config{
		Handshaker:  NewHTTPClient(baseURL, key),
		Dialer:      dialer,
		Credentials: StaticCredentials(key),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(ctrl.Disconnect)
	ch := make(chan events.Event, 16)
	ctrl.Subscribe(func(ev events.Event) { ch <- ev })
	ctrl.Connect()
	return ctrl, ch
}

func TestControllerOverSSE(t *testing.T) {
	baseURL, registry := startServer(t)
	ctrl, received := connect(t, baseURL, "alice-key", NewHTTPClient(baseURL, ""))

	if ev, ok := nextEvent(t, received).(events.Connected); !ok || ev.UserID != "alice" {
		t.Fatalf("first event = %#v", ev)
	}
	if ev, ok := nextEvent(t, received).(events.OnlineUsers); !ok || !slices.Equal(ev.Users, []string{"alice"}) {
		t.Fatalf("second event = %#v", ev)
	}
	waitState(t, ctrl, Open)

	ctx := context.Background()
	bob := NewHTTPClient(baseURL, "bob-key")
	if err := bob.SendTyping(ctx, "alice", true); err != nil {
		t.Fatalf("SendTyping() error = %v", err)
	}
	if ev, ok := nextEvent(t, received).(events.Typing); !ok || ev.SenderID != "bob" || !ev.IsTyping {
		t.Fatalf("typing event = %#v", ev)
	}

	result, err := bob.Notify(ctx, models.Message{RecipientID: "alice", Content: "hi"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if !result.Delivered || result.MessageID == "" {
		t.Fatalf("Notify() = %+v", result)
	}
	msg, ok := nextEvent(t, received).(events.NewMessage)
	if !ok || msg.SenderID != "bob" || msg.Message.Content != "hi" || msg.Message.ID != result.MessageID {
		t.Fatalf("new-message event = %#v", msg)
	}

	online, err := bob.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error = %v", err)
	}
	if !slices.Equal(online, []string{"alice"}) {
		t.Fatalf("Online() = %v", online)
	}
	if isOnline, err := bob.IsOnline(ctx, "alice"); err != nil || !isOnline {
		t.Fatalf("IsOnline(alice) = %v, %v", isOnline, err)
	}

	ctrl.Disconnect()
	waitUntil(t, func() bool { return !registry.IsOnline("alice") })
}

func TestControllerOverWebSocket(t *testing.T) {
	baseURL, registry := startServer(t)
	ctrl, received := connect(t, baseURL, "bob-key", NewWSDialer(baseURL))

	if ev, ok := nextEvent(t, received).(events.Connected); !ok || ev.UserID != "bob" {
		t.Fatalf("first event = %#v", ev)
	}
	waitState(t, ctrl, Open)

	alice := NewHTTPClient(baseURL, "alice-key")
	if _, err := alice.Notify(context.Background(), models.Message{RecipientID: "bob", Content: "ping"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	for {
		if ev, ok := nextEvent(t, received).(events.NewMessage); ok {
			if ev.Message.Content != "ping" {
				t.Fatalf("new-message content = %q", ev.Message.Content)
			}
			break
		}
	}

	ctrl.Disconnect()
	waitUntil(t, func() bool { return !registry.IsOnline("bob") })
}

func TestHandshakeUnauthorized(t *testing.T) {
	baseURL, _ := startServer(t)
	_, err := NewHTTPClient(baseURL, "").Handshake(context.Background(), "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Handshake() error = %v, want ErrUnauthorized", err)
	}
}

func TestDialRejectsUnknownSession(t *testing.T) {
	baseURL, _ := startServer(t)
	dialers := map[string]Dialer{
		"sse":       NewHTTPClient(baseURL, ""),
		"websocket": NewWSDialer(baseURL),
	}
	for name, dialer := range dialers {
		t.Run(name, func(t *testing.T) {
			stream, err := dialer.Dial(context.Background(), "not-a-token")
			if err == nil {
				stream.Close()
				t.Fatal("expected dial to fail")
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
				t.Fatalf("Dial() error = %v, want 401 StatusError", err)
			}
		})
	}
}

func TestStatusErrorRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, "").Handshake(context.Background(), "k")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Handshake() error = %v, want StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests || se.RetryAfter != 3*time.Second || se.Message != "rate limit exceeded" {
		t.Fatalf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatal("429 should not match ErrUnauthorized")
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/api/stream/ws?session=t%2B1"},
		{base: "https://pulse.example.com/", want: "wss://pulse.example.com/api/stream/ws?session=t%2B1"},
		{base: "https://pulse.example.com/edge", want: "wss://pulse.example.com/edge/api/stream/ws?session=t%2B1"},
		{base: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := wsURL(tt.base, "t+1")
		if tt.wantErr {
			if err == nil {
				t.Fatalf("wsURL(%q) expected error", tt.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURL(%q) error = %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("wsURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestSSEStreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()
	defer close(release)

	client := NewHTTPClient(ts.URL, "")
	client.IdleTimeout = 100 * time.Millisecond
	stream, err := client.Dial(context.Background(), "token")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stream.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrIdleTimeout) {
			t.Fatalf("Next() error = %v, want ErrIdleTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not give up on a silent stream")
	}
}

func TestWSStreamIdleTimeout(t *testing.T) {
	tests := []struct {
		name      string
		pings     int
		wantEvent bool
	}{
		{name: "silent", pings: 0},
		{name: "pings keep it alive", pings: 6, wantEvent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upgrader := websocket.Upgrader{}
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				defer conn.Close()
				readerDone := make(chan struct{})
				go func() {
					defer close(readerDone)
					for {
						if _, _, err := conn.ReadMessage(); err != nil {
							return
						}
					}
				}()
				if tt.pings == 0 {
					<-readerDone
					return
				}
				for i := 0; i < tt.pings; i++ {
					time.Sleep(50 * time.Millisecond)
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
						return
					}
				}
				frame, _ := events.Encode(events.Typing{SenderID: "bob", IsTyping: true}, time.Now())
				_ = conn.WriteMessage(websocket.TextMessage, frame)
				time.Sleep(200 * time.Millisecond)
			}))
			defer ts.Close()

			dialer := NewWSDialer(ts.URL)
			dialer.IdleTimeout = 100 * time.Millisecond
			stream, err := dialer.Dial(context.Background(), "token")
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer stream.Close()

			ev, err := stream.Next()
			if tt.wantEvent {
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				if ev != (events.Typing{SenderID: "bob", IsTyping: true}) {
					t.Fatalf("Next() = %#v", ev)
				}
				return
			}
			if !errors.Is(err, ErrIdleTimeout) {
				t.Fatalf("Next() error = %v, want ErrIdleTimeout", err)
			}
		})
	}
}
