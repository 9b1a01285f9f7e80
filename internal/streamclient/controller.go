// Package streamclient keeps a client connected to a Pulse push stream.
//
// A Controller moves between four states:
//
//	Idle -> Connecting -> Open -> Backoff -> Connecting ...
//
// Failures while connecting or an error on an open stream put it in
// Backoff, from which it reconnects after an exponentially growing delay
// while credentials remain available. Disconnect returns it to Idle from
// any state and cancels whatever is in flight.
package streamclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/haasonsaas/pulse/internal/backoff"
	"github.com/haasonsaas/pulse/internal/events"
)

// State is the controller's connection state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Handshaker exchanges a bearer token for a short-lived handshake token.
type Handshaker interface {
	Handshake(ctx context.Context, bearer string) (string, error)
}

// Dialer opens a push stream authorized by a handshake token.
type Dialer interface {
	Dial(ctx context.Context, handshakeToken string) (Stream, error)
}

// Stream is an open push stream.
type Stream interface {
	// Next blocks for the next event. Errors wrapping
	// events.ErrMalformedEvent leave the stream usable.
	Next() (events.Event, error)
	Close() error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config wires a Controller.
type Config struct {
	Handshaker  Handshaker
	Dialer      Dialer
	Credentials Credentials
	// Policy defaults to backoff.ReconnectPolicy.
	Policy *backoff.Policy
	Logger *slog.Logger
	// Sleep defaults to backoff.SleepWithContext.
	Sleep SleepFunc
}

// Controller owns at most one connection attempt and one open stream.
type Controller struct {
	handshaker  Handshaker
	dialer      Dialer
	credentials Credentials
	policy      backoff.Policy
	logger      *slog.Logger
	sleep       SleepFunc

	mu       sync.Mutex
	state    State
	attempts int
	// gen identifies the current run; goroutines from older runs exit
	// as soon as they notice it changed.
	gen    uint64
	cancel context.CancelFunc
	stream Stream

	nextID      int
	subscribers map[int]func(events.Event)
	stateHooks  []func(State)
}

// New returns an Idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Handshaker == nil || cfg.Dialer == nil || cfg.Credentials == nil {
		return nil, errors.New("streamclient: handshaker, dialer and credentials are required")
	}
	policy := backoff.ReconnectPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = backoff.SleepWithContext
	}
	return &Controller{
		handshaker:  cfg.Handshaker,
		dialer:      cfg.Dialer,
		credentials: cfg.Credentials,
		policy:      policy,
		logger:      logger.With("component", "streamclient"),
		sleep:       sleep,
		subscribers: make(map[int]func(events.Event)),
	}, nil
}

// Connect starts connecting. It is a no-op while Connecting or Open and
// when no credentials are available. In Backoff it skips the remaining wait.
func (c *Controller) Connect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Open {
		c.mu.Unlock()
		return
	}
	bearer, ok := c.credentials.Token()
	if !ok {
		notify := c.resetLocked()
		c.mu.Unlock()
		notify()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	gen, ctx, notify := c.startLocked()
	c.mu.Unlock()
	notify()

	go c.run(ctx, gen, bearer)
}

// Disconnect cancels any attempt or pending reconnect, closes the stream
// and returns to Idle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	notify := c.resetLocked()
	c.mu.Unlock()
	notify()
}

// CredentialsRevoked is called when the user signs out. The stream is
// closed and no reconnect is scheduled.
func (c *Controller) CredentialsRevoked() {
	c.Disconnect()
}

// Subscribe registers fn for every received event. Events are delivered
// synchronously in arrival order. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(events.Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// OnStateChange registers fn to be called after every state transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateHooks = append(c.stateHooks, fn)
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a stream is open.
func (c *Controller) Connected() bool {
	return c.State() == Open
}

// Attempts returns the number of consecutive failures since the last open.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// startLocked begins a new run in Connecting.
func (c *Controller) startLocked() (uint64, context.Context, func()) {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return c.gen, ctx, c.setStateLocked(Connecting)
}

// resetLocked tears down the current run and moves to Idle.
func (c *Controller) resetLocked() func() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	c.attempts = 0
	return c.setStateLocked(Idle)
}

// setStateLocked records s and returns a func that runs the hooks; callers
// invoke it after releasing the lock.
func (c *Controller) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.logger.Debug("state change", "from", c.state.String(), "to", s.String())
	c.state = s
	hooks := slices.Clone(c.stateHooks)
	return func() {
		for _, hook := range hooks {
			hook(s)
		}
	}
}

// run owns one connection lifecycle until it is superseded.
func (c *Controller) run(ctx context.Context, gen uint64, bearer string) {
	for {
		stream, err := c.establish(ctx, bearer)
		if err == nil {
			if !c.opened(gen, stream) {
				_ = stream.Close()
				return
			}
			err = c.readLoop(stream)
			if !c.closed(gen, stream) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay, ok := c.fail(gen, err)
		if !ok {
			return
		}
		if err := c.sleep(ctx, delay); err != nil {
			return
		}

		var proceed bool
		bearer, proceed = c.retry(gen)
		if !proceed {
			return
		}
	}
}

func (c *Controller) establish(ctx context.Context, bearer string) (Stream, error) {
	token, err := c.handshaker.Handshake(ctx, bearer)
	if err != nil {
		return nil, err
	}
	return c.dialer.Dial(ctx, token)
}

// opened records stream as live; false means the run was superseded.
func (c *Controller) opened(gen uint64, stream Stream) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.stream = stream
	c.attempts = 0
	notify := c.setStateLocked(Open)
	c.mu.Unlock()
	notify()
	c.logger.Info("stream open")
	return true
}

// closed detaches stream after its read loop ended; false means the run
// was superseded and the stream already closed.
func (c *Controller) closed(gen uint64, stream Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.stream = nil
	_ = stream.Close()
	return true
}

// fail counts a failure and enters Backoff.
func (c *Controller) fail(gen uint64, err error) (time.Duration, bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return 0, false
	}
	c.attempts++
	delay := c.policy.Delay(c.attempts)
	attempts := c.attempts
	notify := c.setStateLocked(Backoff)
	c.mu.Unlock()
	notify()

	c.logger.Warn("stream unavailable, backing off", "error", err, "attempt", attempts, "delay", delay)
	return delay, true
}

// retry leaves Backoff for Connecting, or for Idle when credentials are gone.
func (c *Controller) retry(gen uint64) (string, bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return "", false
	}
	bearer, ok := c.credentials.Token()
	var notify func()
	if ok {
		notify = c.setStateLocked(Connecting)
	} else {
		notify = c.resetLocked()
	}
	c.mu.Unlock()
	notify()
	return bearer, ok
}

// readLoop dispatches events until the stream fails.
func (c *Controller) readLoop(stream Stream) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, events.ErrMalformedEvent) {
				c.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		c.dispatch(ev)
	}
}

func (c *Controller) dispatch(ev events.Event) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(events.Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.subscribers[id])
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
