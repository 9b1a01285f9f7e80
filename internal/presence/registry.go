// Package presence tracks which users hold a live push stream and delivers
// events to them.
//
// The Registry admits at most one stream per user. A second admission within
// the grace window of the existing stream's last activity is treated as a
// duplicate and the newcomer is closed; an older stream is presumed stale and
// replaced. Delivery is fire-and-forget: a failed write removes the stream
// and broadcasts the user as offline, and events for offline users are dropped.
package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/haasonsaas/pulse/internal/events"
	"github.com/haasonsaas/pulse/internal/observability"
)

const (
	// DefaultGraceWindow is how recent a stream's activity must be for a
	// second admission to be rejected as a duplicate.
	DefaultGraceWindow = 5 * time.Second
	// DefaultStaleTimeout is the inactivity after which SweepStale removes a stream.
	DefaultStaleTimeout = 5 * time.Minute
)

// Transport is the server side of one push stream.
type Transport interface {
	// Write sends one framed event. An error means the stream is dead.
	Write(frame []byte) error
	// Close releases the stream. It must be safe to call more than once.
	Close() error
}

// AdmitResult reports the outcome of Admit.
type AdmitResult int

const (
	Accepted AdmitResult = iota + 1
	Rejected
	// Failed means the greeting could not be written and the stream was
	// removed again.
	Failed
)

func (r AdmitResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// removal reasons, used as the metrics label
const (
	reasonExplicit   = "explicit"
	reasonReleased   = "released"
	reasonWriteError = "write_error"
	reasonStale      = "stale"
	reasonReplaced   = "replaced"
)

type connection struct {
	id         string
	userID     string
	transport  Transport
	admittedAt time.Time

	// writeMu serializes writes to the transport. It is held from insertion
	// until the greeting is written so no other event can precede it.
	writeMu sync.Mutex

	// presenceMu orders this stream's online and offline broadcasts.
	presenceMu sync.Mutex

	// Guarded by Registry.mu. announced is set once peers have been told
	// the user is online through this stream or the one it replaced.
	lastSeen  time.Time
	announced bool
}

// Registry is the set of admitted streams, keyed by user ID.
//
// All map mutations happen under one mutex. Transport writes happen outside
// it on a snapshot of targets, so a slow peer never blocks the registry.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connection

	graceWindow  time.Duration
	staleTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// Option customizes a Registry.
type Option func(*Registry)

// WithGraceWindow sets the duplicate-admission window.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.graceWindow = d
		}
	}
}

// WithStaleTimeout sets the inactivity timeout used by SweepStale.
func WithStaleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records admissions, removals and deliveries.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:        make(map[string]*connection),
		graceWindow:  DefaultGraceWindow,
		staleTimeout: DefaultStaleTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "presence")
	return r
}

// Admit registers t as userID's stream.
//
// On Accepted the transport has been sent a connected event followed by an
// online-users snapshot. On Rejected the transport has been closed and the
// existing stream is untouched. On Failed the greeting write failed and the
// stream has been removed; peers hear about it only if they had been told
// the user was online.
func (r *Registry) Admit(userID string, t Transport) AdmitResult {
	now := r.now()
	conn := &connection{
		id:         uuid.NewString(),
		userID:     userID,
		transport:  t,
		admittedAt: now,
		lastSeen:   now,
	}
	conn.writeMu.Lock()

	r.mu.Lock()
	existing := r.conns[userID]
	if existing != nil && now.Sub(existing.lastSeen) < r.graceWindow {
		r.mu.Unlock()
		conn.writeMu.Unlock()
		_ = t.Close()
		r.metrics.Admission("rejected")
		r.logger.Debug("duplicate stream rejected", "user_id", userID, "existing_conn", existing.id)
		return Rejected
	}
	if existing != nil {
		conn.announced = existing.announced
	}
	r.conns[userID] = conn
	users := r.onlineLocked()
	count := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetConnections(count)

	if existing != nil {
		_ = existing.transport.Close()
		r.metrics.Admission("replaced")
		r.metrics.Removal(reasonReplaced)
		r.logger.Info("stale stream replaced", "user_id", userID, "conn_id", conn.id, "old_conn", existing.id)
	} else {
		r.metrics.Admission("accepted")
		r.logger.Info("stream admitted", "user_id", userID, "conn_id", conn.id)
	}

	err := r.writeLocked(conn, events.Connected{UserID: userID})
	if err == nil {
		err = r.writeLocked(conn, events.OnlineUsers{Users: users})
	}
	conn.writeMu.Unlock()
	if err != nil {
		r.logger.Warn("stream greeting failed", "user_id", userID, "conn_id", conn.id, "error", err)
		r.drop(conn, reasonWriteError)
		return Failed
	}

	r.announce(conn)
	return Accepted
}

// announce broadcasts conn's user online unless peers already know, or conn
// was removed before it could be announced.
func (r *Registry) announce(conn *connection) {
	conn.presenceMu.Lock()
	r.mu.Lock()
	pending := r.conns[conn.userID] == conn && !conn.announced
	if pending {
		conn.announced = true
	}
	r.mu.Unlock()

	var failed []*connection
	if pending {
		failed = r.broadcast(conn.userID, true)
	}
	conn.presenceMu.Unlock()
	r.dropAll(failed)
}

// Remove closes and forgets userID's stream and broadcasts the user offline.
// It is a no-op when the user has no stream.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	conn := r.conns[userID]
	if conn == nil {
		r.mu.Unlock()
		return
	}
	delete(r.conns, userID)
	count := len(r.conns)
	r.mu.Unlock()

	r.finishRemoval(conn, reasonExplicit, count)
}

// Release removes userID's stream only if it is still t. Stream handlers call
// it when their request ends so a replaced stream cannot evict its successor.
func (r *Registry) Release(userID string, t Transport) bool {
	r.mu.Lock()
	conn := r.conns[userID]
	if conn == nil || conn.transport != t {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	count := len(r.conns)
	r.mu.Unlock()

	r.finishRemoval(conn, reasonReleased, count)
	return true
}

// Send delivers ev to userID. It returns false when the user is offline or
// the write failed; a failed write removes the stream.
func (r *Registry) Send(userID string, ev events.Event) bool {
	r.mu.Lock()
	conn := r.conns[userID]
	r.mu.Unlock()
	if conn == nil {
		r.metrics.EventSent(string(ev.Type()), "offline")
		return false
	}
	return r.deliver(conn, ev)
}

// BroadcastPresence sends a user-status event for userID to every other
// stream. Peers whose write fails are removed after the broadcast.
func (r *Registry) BroadcastPresence(userID string, online bool) {
	r.dropAll(r.broadcast(userID, online))
}

// broadcast writes a user-status event to every other stream and returns
// the ones that failed without removing them.
func (r *Registry) broadcast(userID string, online bool) []*connection {
	return r.writeAll(r.snapshot(userID), events.UserStatus{UserID: userID, IsOnline: online})
}

// Heartbeat sends a heartbeat event to every stream. It returns the number
// of streams that failed and were removed.
func (r *Registry) Heartbeat() int {
	targets := r.snapshot("")
	return r.fanOut(targets, events.Heartbeat{Timestamp: r.now().UTC()})
}

// Touch records activity on userID's stream.
func (r *Registry) Touch(userID string) {
	now := r.now()
	r.mu.Lock()
	if conn := r.conns[userID]; conn != nil {
		conn.lastSeen = now
	}
	r.mu.Unlock()
}

// IsOnline reports whether userID has an admitted stream.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[userID]
	return ok
}

// ListOnline returns a snapshot of the online user IDs.
func (r *Registry) ListOnline() mapset.Set[string] {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := mapset.NewSetWithSize[string](len(r.conns))
	for userID := range r.conns {
		set.Add(userID)
	}
	return set
}

// Online returns the online user IDs in sorted order.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// Count returns the number of admitted streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SweepStale removes every stream idle for longer than the stale timeout and
// broadcasts each removed user offline. It returns the number removed.
func (r *Registry) SweepStale() int {
	cutoff := r.now().Add(-r.staleTimeout)

	r.mu.Lock()
	var stale []*connection
	for userID, conn := range r.conns {
		if conn.lastSeen.Before(cutoff) {
			stale = append(stale, conn)
			delete(r.conns, userID)
		}
	}
	count := len(r.conns)
	r.mu.Unlock()

	for _, conn := range stale {
		r.finishRemoval(conn, reasonStale, count)
	}
	return len(stale)
}

// Close closes every stream without broadcasting. It is meant for shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.transport.Close()
	}
	r.metrics.SetConnections(0)
}

func (r *Registry) onlineLocked() []string {
	users := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

// snapshot copies the current streams, skipping exclude.
func (r *Registry) snapshot(exclude string) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]*connection, 0, len(r.conns))
	for userID, conn := range r.conns {
		if userID != exclude {
			targets = append(targets, conn)
		}
	}
	return targets
}

// fanOut writes ev to every target and removes the ones that failed once the
// whole batch has been attempted.
func (r *Registry) fanOut(targets []*connection, ev events.Event) int {
	failed := r.writeAll(targets, ev)
	r.dropAll(failed)
	return len(failed)
}

func (r *Registry) writeAll(targets []*connection, ev events.Event) []*connection {
	var failed []*connection
	for _, conn := range targets {
		if err := r.write(conn, ev); err != nil {
			failed = append(failed, conn)
		}
	}
	return failed
}

func (r *Registry) dropAll(conns []*connection) {
	for _, conn := range conns {
		r.drop(conn, reasonWriteError)
	}
}

// deliver writes ev and removes the stream on failure.
func (r *Registry) deliver(conn *connection, ev events.Event) bool {
	if err := r.write(conn, ev); err != nil {
		r.drop(conn, reasonWriteError)
		return false
	}
	return true
}

func (r *Registry) write(conn *connection, ev events.Event) error {
	conn.writeMu.Lock()
	err := r.writeLocked(conn, ev)
	conn.writeMu.Unlock()
	return err
}

// writeLocked encodes and writes ev; the caller holds conn.writeMu.
func (r *Registry) writeLocked(conn *connection, ev events.Event) error {
	now := r.now()
	frame, err := events.Encode(ev, now)
	if err != nil {
		r.metrics.EventSent(string(ev.Type()), "error")
		return err
	}
	if err := conn.transport.Write(frame); err != nil {
		r.metrics.EventSent(string(ev.Type()), "error")
		r.logger.Debug("stream write failed", "user_id", conn.userID, "conn_id", conn.id, "event", ev.Type(), "error", err)
		return err
	}
	r.metrics.EventSent(string(ev.Type()), "ok")

	r.mu.Lock()
	if now.After(conn.lastSeen) {
		conn.lastSeen = now
	}
	r.mu.Unlock()
	return nil
}

// drop removes conn if it is still the registered stream for its user. A
// stream already replaced or removed is only closed.
func (r *Registry) drop(conn *connection, reason string) {
	r.mu.Lock()
	current := r.conns[conn.userID] == conn
	if current {
		delete(r.conns, conn.userID)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !current {
		_ = conn.transport.Close()
		return
	}
	r.finishRemoval(conn, reason, count)
}

// finishRemoval runs after conn has left the map.
func (r *Registry) finishRemoval(conn *connection, reason string, count int) {
	_ = conn.transport.Close()
	r.metrics.SetConnections(count)
	r.metrics.Removal(reason)
	r.logger.Info("stream removed",
		"user_id", conn.userID,
		"conn_id", conn.id,
		"reason", reason,
		"duration", r.now().Sub(conn.admittedAt).Round(time.Millisecond),
	)

	// waits for an in-flight online broadcast so peers never see offline first
	conn.presenceMu.Lock()
	r.mu.Lock()
	announced := conn.announced
	r.mu.Unlock()
	var failed []*connection
	if announced {
		failed = r.broadcast(conn.userID, false)
	}
	conn.presenceMu.Unlock()
	r.dropAll(failed)
}
