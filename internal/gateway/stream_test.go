package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/events"
)

func (e *testEnv) dialWS(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/stream/ws?session=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readWS(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	ev, err := events.DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	return ev
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _, err := env.dialWS(t, env.handshake(t, "alice-key"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if ev := readWS(t, conn); ev != (events.Connected{UserID: "alice"}) {
		t.Fatalf("first event = %#v", ev)
	}
	if _, ok := readWS(t, conn).(events.OnlineUsers); !ok {
		t.Fatal("second event should be online-users")
	}

	if !env.registry.Send("alice", events.Typing{SenderID: "bob", IsTyping: false}) {
		t.Fatal("Send() to websocket stream failed")
	}
	if ev := readWS(t, conn); ev != (events.Typing{SenderID: "bob", IsTyping: false}) {
		t.Fatalf("typing event = %#v", ev)
	}

	conn.Close()
	waitUntil(t, func() bool { return !env.registry.IsOnline("alice") })
}

func TestWebSocketRejectsBadSessionBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	_, resp, err := env.dialWS(t, "bogus")
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want ErrBadHandshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %#v", resp)
	}
}

func TestWebSocketDuplicateClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.handshake(t, "alice-key")
	first, _, err := env.dialWS(t, token)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	readWS(t, first)

	second, _, err := env.dialWS(t, token)
	if err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("duplicate stream read error = %v, want normal closure", err)
	}
	if !env.registry.IsOnline("alice") || env.registry.Count() != 1 {
		t.Fatal("original stream should survive")
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})
	up := env.server.upgrader()

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/stream/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := up.CheckOrigin(req); got != tt.want {
			t.Fatalf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestSSETransportClosedRejectsWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	transport := newSSETransport(rec, time.Second)

	if err := transport.Write([]byte("event: heartbeat\ndata: {}\n\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !rec.Flushed {
		t.Fatal("expected flush after write")
	}
	_ = transport.Close()
	_ = transport.Close()
	if err := transport.Write([]byte("x")); !errors.Is(err, errTransportClosed) {
		t.Fatalf("Write() after Close error = %v", err)
	}
	select {
	case <-transport.Done():
	default:
		t.Fatal("Done() should be closed")
	}
}
