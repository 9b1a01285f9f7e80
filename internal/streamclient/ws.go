package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pulse/internal/events"
)

const wsCloseWait = time.Second

// WSDialer opens the WebSocket transport of the push stream.
type WSDialer struct {
	BaseURL string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Header http.Header
	// IdleTimeout closes a connection that has been silent this long,
	// pings included. Zero means DefaultIdleTimeout; negative disables it.
	IdleTimeout time.Duration
}

// NewWSDialer returns a dialer for the server at baseURL (http or https).
func NewWSDialer(baseURL string) *WSDialer {
	return &WSDialer{BaseURL: baseURL}
}

// Dial connects and returns the stream. A rejected upgrade surfaces as a
// *StatusError.
func (d *WSDialer) Dial(ctx context.Context, handshakeToken string) (Stream, error) {
	endpoint, err := wsURL(d.BaseURL, handshakeToken)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial websocket: %w", statusError(resp))
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	stream := &wsStream{conn: conn, idle: idleTimeout(d.IdleTimeout)}
	conn.SetPingHandler(stream.handlePing)
	return stream, nil
}

func wsURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/stream/ws"
	u.RawQuery = url.Values{"session": {token}}.Encode()
	return u.String(), nil
}

type wsStream struct {
	conn      *websocket.Conn
	idle      time.Duration
	closeOnce sync.Once
}

func (s *wsStream) extendDeadline() {
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
}

func (s *wsStream) handlePing(appData string) error {
	s.extendDeadline()
	err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsCloseWait))
	var ne net.Error
	if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
		return nil
	}
	return err
}

func (s *wsStream) Next() (events.Event, error) {
	for {
		s.extendDeadline()
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%w after %s: %v", ErrIdleTimeout, s.idle, err)
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return events.DecodeMessage(data)
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseWait))
		err = s.conn.Close()
	})
	return err
}
