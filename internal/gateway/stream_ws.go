package gateway

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pulse/internal/presence"
)

const (
	wsMaxReadBytes = 4 << 10
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsTransport writes frames as WebSocket text messages, one frame each.
type wsTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
	done         chan struct{}
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = wsWriteWait
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

func (t *wsTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := s.config.Server.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		},
	}
}

// handleWSStream serves GET /api/stream/ws?session=<token>. The socket is
// push-only; inbound messages other than control frames are discarded.
func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	transport := newWSTransport(conn, s.config.Stream.WriteTimeout)
	if s.registry.Admit(userID, transport) != presence.Accepted {
		return
	}

	go s.pingLoop(transport)
	s.readPump(userID, transport)
	s.registry.Release(userID, transport)
	_ = transport.Close()
}

func (s *Server) readPump(userID string, t *wsTransport) {
	t.conn.SetReadLimit(wsMaxReadBytes)
	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	t.conn.SetPongHandler(func(string) error {
		s.registry.Touch(userID)
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(t *wsTransport) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				return
			}
		}
	}
}
