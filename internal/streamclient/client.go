package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/pulse/internal/events"
	"github.com/haasonsaas/pulse/pkg/models"
)

// ErrUnauthorized is matched by StatusError values with a 401 code.
var ErrUnauthorized = errors.New("unauthorized")

// ErrIdleTimeout is returned by a stream that received nothing for longer
// than its idle timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// DefaultIdleTimeout is twice the server's default heartbeat interval.
const DefaultIdleTimeout = 60 * time.Second

// idleTimeout resolves a configured timeout: zero means the default and a
// negative value disables the check.
func idleTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultIdleTimeout
	}
	return d
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
	// RetryAfter is set from the Retry-After header on 429 responses.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// HTTPClient talks to a Pulse server over HTTP. It implements Handshaker
// and, for the text-event transport, Dialer.
type HTTPClient struct {
	BaseURL string
	// HTTP defaults to http.DefaultClient. Its Timeout applies to
	// streams too, so leave it zero for long-lived streams.
	HTTP *http.Client
	// Bearer is used by the request helpers other than Handshake.
	Bearer string
	// IdleTimeout closes a stream that has been silent this long. Zero
	// means DefaultIdleTimeout; negative disables it.
	IdleTimeout time.Duration
}

// NewHTTPClient returns a client for baseURL.
func NewHTTPClient(baseURL, bearer string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Bearer: bearer}
}

type handshakeResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// Handshake exchanges bearer for a handshake token.
func (c *HTTPClient) Handshake(ctx context.Context, bearer string) (string, error) {
	var out handshakeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/stream/handshake", bearer, nil, &out); err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("handshake: empty token")
	}
	return out.Token, nil
}

// Dial opens the text-event stream.
func (c *HTTPClient) Dial(ctx context.Context, handshakeToken string) (Stream, error) {
	endpoint := c.url("/api/stream") + "?session=" + url.QueryEscape(handshakeToken)
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client().Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, fmt.Errorf("dial stream: %w", statusError(resp))
	}
	stream := &sseStream{body: resp.Body, cancel: cancel}
	var body io.Reader = resp.Body
	if timeout := idleTimeout(c.IdleTimeout); timeout > 0 {
		stream.idle = newIdleReader(resp.Body, timeout, cancel)
		body = stream.idle
	}
	stream.decoder = events.NewDecoder(body)
	return stream, nil
}

// SendTyping reports the caller's typing state to recipientID.
func (c *HTTPClient) SendTyping(ctx context.Context, recipientID string, isTyping bool) error {
	body := map[string]any{"recipientId": recipientID, "isTyping": isTyping}
	return c.doJSON(ctx, http.MethodPost, "/api/typing", c.Bearer, body, nil)
}

// NotifyResult is the outcome of Notify.
type NotifyResult struct {
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
}

// Notify asks the server to push msg to its recipient. The sender is the
// authenticated caller.
func (c *HTTPClient) Notify(ctx context.Context, msg models.Message) (NotifyResult, error) {
	body := map[string]any{
		"id":          msg.ID,
		"recipientId": msg.RecipientID,
		"content":     msg.Content,
		"status":      msg.Status,
	}
	if !msg.CreatedAt.IsZero() {
		body["createdAt"] = msg.CreatedAt
	}
	var out NotifyResult
	err := c.doJSON(ctx, http.MethodPost, "/api/messages/notify", c.Bearer, body, &out)
	return out, err
}

// Online lists the users with an open stream.
func (c *HTTPClient) Online(ctx context.Context) ([]string, error) {
	var out struct {
		Users []string `json:"users"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/online", c.Bearer, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// IsOnline reports whether userID has an open stream.
func (c *HTTPClient) IsOnline(ctx context.Context, userID string) (bool, error) {
	var out struct {
		IsOnline bool `json:"isOnline"`
	}
	path := "/api/online/" + url.PathEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, c.Bearer, nil, &out); err != nil {
		return false, err
	}
	return out.IsOnline, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *HTTPClient) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func statusError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		se.Message = payload.Error
	} else {
		se.Message = strings.TrimSpace(string(data))
	}
	if secs := resp.Header.Get("Retry-After"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil && n > 0 {
			se.RetryAfter = time.Duration(n) * time.Second
		}
	}
	return se
}

type sseStream struct {
	body    io.ReadCloser
	decoder *events.Decoder
	cancel  context.CancelFunc
	idle    *idleReader
}

func (s *sseStream) Next() (events.Event, error) {
	frame, err := s.decoder.Next()
	if err != nil {
		if s.idle != nil && s.idle.expired.Load() {
			return nil, fmt.Errorf("%w after %s", ErrIdleTimeout, s.idle.timeout)
		}
		return nil, err
	}
	return events.Decode(frame)
}

func (s *sseStream) Close() error {
	if s.idle != nil {
		s.idle.timer.Stop()
	}
	s.cancel()
	return s.body.Close()
}

// idleReader cancels the request once no bytes have arrived for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && !ir.expired.Load() {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}
