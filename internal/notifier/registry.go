package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// ErrTooManyConnections is returned by Register when a user is at the
// connection cap. The API layer maps it to 429.
var ErrTooManyConnections = errors.New("too many connections")

// Config holds the registry's fan-out limits.
type Config struct {
	// MaxConnsPerUser caps concurrent streams per user.
	MaxConnsPerUser int
	// RateLimit is the notification budget per connection per second.
	RateLimit int
	// QueueCapacity is each connection's frame buffer.
	QueueCapacity int
	// HeartbeatInterval is how often every stream gets a heartbeat frame.
	HeartbeatInterval time.Duration
	// EvictionInterval is how often stale streams are swept.
	EvictionInterval time.Duration
	// StaleAfter is how long a stream may go without accepting a
	// heartbeat before the sweep removes it.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnsPerUser:   3,
		RateLimit:         10,
		QueueCapacity:     32,
		HeartbeatInterval: 30 * time.Second,
		EvictionInterval:  60 * time.Second,
		StaleAfter:        90 * time.Second,
	}
}

type deliverResult int

const (
	deliverOK deliverResult = iota
	dropRateLimited
	dropQueueFull
	dropClosed
)

// Conn is one live notification stream. Frames arrive on a buffered
// channel; the stream handler drains it and writes SSE frames.
type Conn struct {
	id          string
	userID      string
	frames      chan Frame
	connectedAt time.Time

	mu            sync.Mutex
	closed        bool
	lastHeartbeat time.Time
	sendTimes     []time.Time
	sent          int
}

// UserID returns the owner of this stream.
func (c *Conn) UserID() string {
	return c.userID
}

// Frames is the stream handler's read side. The channel closes when
// the connection is unregistered.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Sent reports how many notifications this connection accepted.
func (c *Conn) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Conn) deliver(frame Frame, now time.Time, rateLimit int) deliverResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return dropClosed
	}

	cutoff := now.Add(-time.Second)
	keep := c.sendTimes[:0]
	for _, ts := range c.sendTimes {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	c.sendTimes = keep
	if len(c.sendTimes) >= rateLimit {
		return dropRateLimited
	}

	select {
	case c.frames <- frame:
		c.sendTimes = append(c.sendTimes, now)
		c.sent++
		return deliverOK
	default:
		return dropQueueFull
	}
}

// deliverHeartbeat bypasses the rate limit; heartbeats must not eat
// the notification budget. An accepted heartbeat refreshes liveness,
// so a client that stops draining its queue goes stale.
func (c *Conn) deliverHeartbeat(frame Frame, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.frames <- frame:
		c.lastHeartbeat = now
		return true
	default:
		return false
	}
}

func (c *Conn) staleSince(now time.Time, staleAfter time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat) > staleAfter
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.frames)
}

// Registry tracks every live stream by user and fans frames out to
// them. Heartbeat and eviction loops run in the background once
// started.
type Registry struct {
	config  Config
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	users    map[string]map[string]*Conn
	running  bool
	stopChan chan struct{}

	wg sync.WaitGroup
}

func NewRegistry(config Config, logger *slog.Logger, metrics observability.Metrics) *Registry {
	defaults := DefaultConfig()
	if config.MaxConnsPerUser <= 0 {
		config.MaxConnsPerUser = defaults.MaxConnsPerUser
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.EvictionInterval <= 0 {
		config.EvictionInterval = defaults.EvictionInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Registry{
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		users:   make(map[string]map[string]*Conn),
	}
}

// Register opens a stream for the user, or fails with
// ErrTooManyConnections at the cap.
func (r *Registry) Register(userID string) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	if len(conns) >= r.config.MaxConnsPerUser {
		r.metrics.Counter(observability.MetricConnectionsRejected, 1)
		return nil, fmt.Errorf("%w: user %s has %d active streams", ErrTooManyConnections, userID, len(conns))
	}

	now := r.now()
	conn := &Conn{
		id:            uuid.NewString(),
		userID:        userID,
		frames:        make(chan Frame, r.config.QueueCapacity),
		connectedAt:   now,
		lastHeartbeat: now,
	}
	if conns == nil {
		conns = make(map[string]*Conn)
		r.users[userID] = conns
	}
	conns[conn.id] = conn

	r.logger.Info("notification stream connected",
		"user_id", userID,
		"connections", len(conns),
	)
	return conn, nil
}

// Unregister removes the stream and closes its channel. Safe to call
// more than once.
func (r *Registry) Unregister(conn *Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	conns, ok := r.users[conn.userID]
	if ok {
		if _, ok = conns[conn.id]; ok {
			delete(conns, conn.id)
			if len(conns) == 0 {
				delete(r.users, conn.userID)
			}
		}
	}
	r.mu.Unlock()

	conn.close()
	if ok {
		r.logger.Info("notification stream disconnected", "user_id", conn.userID)
	}
}

// Deliver queues the frame on every stream the user has open and
// returns how many accepted it. Rate-limited and backed-up streams
// drop the frame.
func (r *Registry) Deliver(userID string, frame Frame) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.users[userID]))
	for _, conn := range r.users[userID] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	now := r.now()
	delivered := 0
	for _, conn := range conns {
		switch conn.deliver(frame, now, r.config.RateLimit) {
		case deliverOK:
			delivered++
			r.metrics.Counter(observability.MetricNotificationsDelivered, 1)
		case dropRateLimited:
			r.metrics.Counter(observability.MetricNotificationsDropped, 1, observability.T("reason", "rate_limited"))
			r.logger.Warn("notification rate limit exceeded, dropping frame", "user_id", userID)
		case dropQueueFull:
			r.metrics.Counter(observability.MetricNotificationsDropped, 1, observability.T("reason", "queue_full"))
			r.logger.Warn("notification queue full, dropping frame", "user_id", userID)
		case dropClosed:
		}
	}
	return delivered
}

// ConnectionCount reports the user's live streams.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// TotalConnections reports live streams across all users.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, conns := range r.users {
		total += len(conns)
	}
	return total
}

// HeartbeatOnce sends one heartbeat frame to every stream and returns
// how many accepted it.
func (r *Registry) HeartbeatOnce() int {
	now := r.now()
	frame := heartbeatFrame(now)

	sent := 0
	for _, conn := range r.allConns() {
		if conn.deliverHeartbeat(frame, now) {
			sent++
		}
	}
	return sent
}

// EvictOnce removes every stream that has not accepted a heartbeat
// within StaleAfter and returns how many were removed.
func (r *Registry) EvictOnce() int {
	now := r.now()

	var stale []*Conn
	for _, conn := range r.allConns() {
		if conn.staleSince(now, r.config.StaleAfter) {
			stale = append(stale, conn)
		}
	}

	for _, conn := range stale {
		r.metrics.Counter(observability.MetricConnectionsEvicted, 1)
		r.logger.Warn("evicting stale notification stream", "user_id", conn.userID)
		r.Unregister(conn)
	}
	return len(stale)
}

func (r *Registry) allConns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Conn
	for _, conns := range r.users {
		for _, conn := range conns {
			all = append(all, conn)
		}
	}
	return all
}

// Start launches the heartbeat and eviction loops.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.evictionLoop(ctx)

	r.logger.Info("notification registry started",
		"heartbeat_interval", r.config.HeartbeatInterval,
		"eviction_interval", r.config.EvictionInterval,
	)
	return nil
}

// Stop halts the loops and closes every stream.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	for _, conn := range r.allConns() {
		r.Unregister(conn)
	}
	r.logger.Info("notification registry stopped")
}

// IsRunning reports whether the loops are active.
func (r *Registry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.HeartbeatOnce()
		}
	}
}

func (r *Registry) evictionLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.EvictOnce()
		}
	}
}
