// Package sweeper owns the periodic background work of a Pulse server:
// sweeping stale streams, sweeping expired handshake sessions and sending
// heartbeats.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/pulse/internal/observability"
)

// ErrAlreadyRunning is returned by Start on a running sweeper.
var ErrAlreadyRunning = errors.New("sweeper already running")

// Connections is the slice of the connection registry the sweeper drives.
type Connections interface {
	SweepStale() int
	Heartbeat() int
}

// Sessions is the slice of the handshake issuer the sweeper drives.
type Sessions interface {
	SweepExpired() int
}

// Config sets the job intervals. A non-positive interval disables that job.
type Config struct {
	StaleInterval     time.Duration
	ExpiredInterval   time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		StaleInterval:     2 * time.Minute,
		ExpiredInterval:   2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Sweeper runs the sweeps on a cron schedule and heartbeats on a ticker.
type Sweeper struct {
	connections Connections
	sessions    Sessions
	config      Config
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a sweeper. Either collaborator may be nil.
func New(connections Connections, sessions Sessions, config Config, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		connections: connections,
		sessions:    sessions,
		config:      config,
		logger:      logger.With("component", "sweeper"),
		metrics:     metrics,
	}
}

// Start schedules the jobs. They stop when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if s.connections != nil && s.config.StaleInterval > 0 {
		if _, err := c.AddFunc(every(s.config.StaleInterval), s.SweepStale); err != nil {
			return fmt.Errorf("schedule stale sweep: %w", err)
		}
	}
	if s.sessions != nil && s.config.ExpiredInterval > 0 {
		if _, err := c.AddFunc(every(s.config.ExpiredInterval), s.SweepExpired); err != nil {
			return fmt.Errorf("schedule session sweep: %w", err)
		}
	}

	s.cron = c
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	c.Start()
	go s.run(ctx, c, s.stopCh, s.doneCh)

	s.logger.Info("background jobs started",
		"stale_interval", s.config.StaleInterval,
		"session_interval", s.config.ExpiredInterval,
		"heartbeat_interval", s.config.HeartbeatInterval,
	)
	return nil
}

// Stop halts every job and waits for running ones to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// Entries returns the number of scheduled cron jobs.
func (s *Sweeper) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

// SweepStale runs one stale-stream sweep.
func (s *Sweeper) SweepStale() {
	if removed := s.connections.SweepStale(); removed > 0 {
		s.logger.Info("swept stale streams", "removed", removed)
	}
}

// SweepExpired runs one handshake-session sweep.
func (s *Sweeper) SweepExpired() {
	removed := s.sessions.SweepExpired()
	s.metrics.Handshake("swept", removed)
	if removed > 0 {
		s.logger.Debug("swept expired handshake sessions", "removed", removed)
	}
}

// Heartbeat sends one heartbeat round.
func (s *Sweeper) Heartbeat() {
	if failed := s.connections.Heartbeat(); failed > 0 {
		s.logger.Info("heartbeat detected dead streams", "removed", failed)
	}
}

func (s *Sweeper) run(ctx context.Context, c *cron.Cron, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		<-c.Stop().Done()
	}()

	var tick <-chan time.Time
	if s.connections != nil && s.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick:
			s.Heartbeat()
		}
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
