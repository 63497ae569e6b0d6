// Package conn manages the Redis connection used by the outbound queue.
//
// The manager is deliberately fail-open: callers ask for a connection and
// receive nil when one is not available right now. Asking kicks off a
// background connect attempt, so a later call can succeed without any
// caller ever blocking on network I/O.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waline/outbound"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisabled means rate limiting is off; the manager never connects.
	StateDisabled State = iota
	// StateDisconnected means no connection exists and none is being made.
	StateDisconnected
	// StateConnecting means a background connect attempt is in flight.
	StateConnecting
	// StateConnected means a healthy connection is available.
	StateConnected
	// StateErrored means consecutive connect attempts were exhausted.
	// The next GetConnection call starts a fresh attempt cycle.
	StateErrored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

const (
	// maxConnectAttempts is how many consecutive failures we tolerate
	// before giving up until the next GetConnection call.
	maxConnectAttempts = 10

	// maxAttemptDelay caps the linear per-attempt backoff.
	maxAttemptDelay = 3 * time.Second

	dialTimeout = 2 * time.Second
)

// Manager owns a lazily-established, self-healing Redis client.
type Manager struct {
	uri     string
	enabled bool
	logger  *slog.Logger

	pingInterval time.Duration

	mu     sync.Mutex
	state  State
	client *redis.Client
	gen    int // bumped on every disconnect so stale monitors exit

	// Test seams.
	attemptDelay func(attempt int) time.Duration
	dial         func(ctx context.Context, uri string) (*redis.Client, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPingInterval sets how often an established connection is health-checked.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

// NewManager builds a Manager from the queue config. When cfg.Enabled is
// false, or no Redis URI is configured, the manager is permanently
// disabled and GetConnection always returns nil.
func NewManager(cfg outbound.Config, opts ...Option) *Manager {
	m := &Manager{
		uri:          cfg.RedisURI,
		enabled:      cfg.Enabled && cfg.RedisURI != "",
		logger:       slog.Default(),
		pingInterval: 15 * time.Second,
		state:        StateDisconnected,
		attemptDelay: linearDelay,
		dial:         dialRedis,
	}
	if !m.enabled {
		m.state = StateDisabled
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func linearDelay(attempt int) time.Duration {
	return min(time.Duration(attempt)*100*time.Millisecond, maxAttemptDelay)
}

func dialRedis(ctx context.Context, uri string) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// GetConnection returns the live Redis client, or nil when none is
// available. It never blocks on network I/O: when the manager is
// disconnected (or previously gave up) it starts a single background
// connect cycle and returns nil immediately.
func (m *Manager) GetConnection() *redis.Client {
	client, _ := m.connection()
	return client
}

// connection returns the live client together with the generation it
// belongs to, so callers can tell one connection epoch from the next.
func (m *Manager) connection() (*redis.Client, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnected:
		return m.client, m.gen
	case StateDisconnected, StateErrored:
		m.state = StateConnecting
		go m.connectLoop()
	}
	// Disabled, Connecting, or a cycle we just kicked off.
	return nil, 0
}

// IsAvailable reports whether a healthy connection exists right now.
func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// connectLoop runs one connect cycle: up to maxConnectAttempts tries with
// linear backoff between them. Exactly one loop runs at a time, guarded by
// the Connecting state.
func (m *Manager) connectLoop() {
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		client, err := m.dial(ctx, m.uri)
		cancel()

		if err == nil {
			m.mu.Lock()
			if m.state != StateConnecting {
				// Closed (or disabled) while we were dialing.
				m.mu.Unlock()
				_ = client.Close()
				return
			}
			m.state = StateConnected
			m.client = client
			gen := m.gen
			m.mu.Unlock()

			m.logger.Info("redis connected", slog.Int("attempt", attempt))
			go m.monitor(client, gen)
			return
		}

		m.logger.Warn("redis connect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		time.Sleep(m.attemptDelay(attempt))

		m.mu.Lock()
		abandoned := m.state != StateConnecting
		m.mu.Unlock()
		if abandoned {
			return
		}
	}

	m.mu.Lock()
	if m.state == StateConnecting {
		m.state = StateErrored
	}
	m.mu.Unlock()
	m.logger.Error("redis connect attempts exhausted",
		slog.Int("attempts", maxConnectAttempts),
	)
}

// monitor pings the established connection until it fails or the manager
// moves on. On failure the manager drops back to Disconnected; the next
// GetConnection call starts a fresh connect cycle.
func (m *Manager) monitor(client *redis.Client, gen int) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		stale := m.gen != gen || m.state != StateConnected
		m.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			continue
		}

		m.logger.Warn("redis connection lost", slog.String("error", err.Error()))
		m.mu.Lock()
		if m.gen == gen && m.state == StateConnected {
			m.state = StateDisconnected
			m.client = nil
			m.gen++
		}
		m.mu.Unlock()
		_ = client.Close()
		return
	}
}

// Close shuts the manager down and releases the connection. The manager
// is unusable afterwards: GetConnection returns nil and no reconnect
// cycles start.
func (m *Manager) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.gen++
	if m.state != StateDisabled {
		m.state = StateDisabled
	}
	m.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}
