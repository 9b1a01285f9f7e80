// Package gateway serves the Pulse HTTP API: handshake issuance, the SSE
// and WebSocket push streams, typing signals, message notifications and
// presence queries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/handshake"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/presence"
	"github.com/haasonsaas/pulse/internal/ratelimit"
	"github.com/haasonsaas/pulse/pkg/models"
)

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Registry *presence.Registry
	Issuer   *handshake.Issuer
	Verifier auth.Verifier

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Gatherer backs /metrics. Nil uses the default Prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// Server is the Pulse HTTP front end.
type Server struct {
	config   *config.Config
	registry *presence.Registry
	issuer   *handshake.Issuer
	notifier *presence.Notifier
	verifier atomic.Pointer[verifierHolder]

	handshakeLimiter *ratelimit.Limiter
	typingLimiter    *ratelimit.Limiter

	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	gatherer prometheus.Gatherer

	handler   http.Handler
	startTime time.Time

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
	shutdown     bool
}

type verifierHolder struct {
	auth.Verifier
}

// New wires a server from configuration and collaborators.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	if deps.Registry == nil || deps.Issuer == nil || deps.Verifier == nil {
		return nil, errors.New("gateway: registry, issuer and verifier are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:           cfg,
		registry:         deps.Registry,
		issuer:           deps.Issuer,
		notifier:         presence.NewNotifier(deps.Registry, logger),
		handshakeLimiter: ratelimit.NewLimiter(cfg.Handshake.RateLimit),
		typingLimiter:    ratelimit.NewLimiter(cfg.Typing.RateLimit),
		logger:           logger.With("component", "gateway"),
		metrics:          deps.Metrics,
		tracer:           deps.Tracer,
		gatherer:         gatherer,
		startTime:        time.Now(),
	}
	s.SetVerifier(deps.Verifier)
	s.handler = s.routes()
	return s, nil
}

// SetVerifier swaps the bearer credential verifier, e.g. after the API keys
// in the configuration file changed.
func (s *Server) SetVerifier(v auth.Verifier) {
	if v == nil {
		return
	}
	s.verifier.Store(&verifierHolder{Verifier: v})
}

// Verify implements auth.Verifier with the current verifier.
func (s *Server) Verify(token string) (*models.User, error) {
	return s.verifier.Load().Verify(token)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Notifier exposes the notifier for in-process collaborators.
func (s *Server) Notifier() *presence.Notifier {
	return s.notifier
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	bearer := func(h http.HandlerFunc) http.Handler {
		return auth.RequireBearer(s, s.logger, h)
	}

	mux.Handle("POST /api/stream/handshake", bearer(s.handleHandshake))
	mux.HandleFunc("GET /api/stream", s.handleSSEStream)
	mux.HandleFunc("GET /api/stream/ws", s.handleWSStream)
	mux.Handle("POST /api/typing", bearer(s.handleTyping))
	mux.Handle("POST /api/messages/notify", bearer(s.handleNotify))
	mux.Handle("GET /api/online", bearer(s.handleListOnline))
	mux.Handle("GET /api/online/{userId}", bearer(s.handleUserOnline))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return chain(mux,
		requestIDMiddleware,
		recoveryMiddleware(s.logger),
		observeMiddleware(s.logger, s.metrics, s.tracer),
	)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Server.Address()
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve serves on listener until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve(listener net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Addr returns the bound listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Shutdown closes every push stream and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	server := s.httpServer
	s.mu.Unlock()

	// streams never go idle on their own, so close them before draining
	s.registry.Close()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	s.logger.Info("http server stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return nil
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
