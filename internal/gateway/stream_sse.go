package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/pulse/internal/presence"
)

var errTransportClosed = errors.New("transport closed")

// sseTransport writes frames to a text/event-stream response.
type sseTransport struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	closed       bool
	done         chan struct{}
}

func newSSETransport(w http.ResponseWriter, writeTimeout time.Duration) *sseTransport {
	return &sseTransport{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (t *sseTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if t.writeTimeout > 0 {
		// not every ResponseWriter supports deadlines
		_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	return t.rc.Flush()
}

// Close marks the transport dead. The handler goroutine owns the response
// and returns once done is closed.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *sseTransport) Done() <-chan struct{} {
	return t.done
}

// handleSSEStream serves GET /api/stream?session=<token>.
func (s *Server) handleSSEStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	transport := newSSETransport(w, s.config.Stream.WriteTimeout)
	switch s.registry.Admit(userID, transport) {
	case presence.Rejected:
		// nothing has been written yet, so the status can still change
		header.Del("Content-Type")
		writeError(w, http.StatusConflict, "stream already open")
		return
	case presence.Failed:
		return
	}

	select {
	case <-transport.Done():
	case <-r.Context().Done():
	}
	s.registry.Release(userID, transport)
	_ = transport.Close()
}
