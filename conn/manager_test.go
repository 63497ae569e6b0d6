package conn

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waline/outbound"
)

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

// fakeDial returns a client without touching the network.
func fakeDial(context.Context, string) (*redis.Client, error) {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), nil
}

func failDial(context.Context, string) (*redis.Client, error) {
	return nil, errors.New("connection refused")
}

func newTestManager(t *testing.T, enabled bool) *Manager {
	t.Helper()
	cfg := outbound.DefaultConfig()
	cfg.Enabled = enabled
	cfg.RedisURI = "redis://127.0.0.1:1"
	m := NewManager(cfg, WithLogger(slog.Default()))
	m.attemptDelay = func(int) time.Duration { return 0 }
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_DisabledNeverConnects(t *testing.T) {
	m := newTestManager(t, false)

	if got := m.GetConnection(); got != nil {
		t.Fatal("GetConnection returned a client on a disabled manager")
	}
	if m.IsAvailable() {
		t.Error("IsAvailable = true on a disabled manager")
	}
	if m.State() != StateDisabled {
		t.Errorf("State = %v, want %v", m.State(), StateDisabled)
	}
}

func TestManager_ConnectsInBackground(t *testing.T) {
	m := newTestManager(t, true)
	m.dial = fakeDial

	// First ask never blocks and comes back empty.
	if got := m.GetConnection(); got != nil {
		t.Fatal("GetConnection returned a client before the connect cycle finished")
	}

	waitForState(t, m, StateConnected)
	if m.GetConnection() == nil {
		t.Fatal("GetConnection returned nil after connecting")
	}
	if !m.IsAvailable() {
		t.Error("IsAvailable = false after connecting")
	}
}

func TestManager_ErrorsAfterExhaustedAttempts(t *testing.T) {
	m := newTestManager(t, true)
	m.dial = failDial

	if got := m.GetConnection(); got != nil {
		t.Fatal("GetConnection returned a client with no backend")
	}
	waitForState(t, m, StateErrored)

	// A later ask restarts the cycle instead of staying stuck.
	m.dial = fakeDial
	if got := m.GetConnection(); got != nil {
		t.Fatal("GetConnection returned a client before reconnecting")
	}
	waitForState(t, m, StateConnected)
}

func TestManager_MonitorDetectsLoss(t *testing.T) {
	cfg := outbound.DefaultConfig()
	cfg.Enabled = true
	cfg.RedisURI = "redis://127.0.0.1:1"
	m := NewManager(cfg, WithPingInterval(10*time.Millisecond))
	m.attemptDelay = func(int) time.Duration { return 0 }
	m.dial = fakeDial
	t.Cleanup(func() { _ = m.Close() })

	m.GetConnection()
	waitForState(t, m, StateConnected)

	// The fake client points at a closed port, so the first monitor ping
	// fails and the manager drops the connection.
	waitForState(t, m, StateDisconnected)
	if m.IsAvailable() {
		t.Error("IsAvailable = true after connection loss")
	}
}

func TestSource_CachesStorePerConnection(t *testing.T) {
	m := newTestManager(t, true)
	m.dial = fakeDial
	src := NewSource(m)

	m.GetConnection()
	waitForState(t, m, StateConnected)

	st1 := src.Store()
	if st1 == nil {
		t.Fatal("Store returned nil on a connected manager")
	}
	if st2 := src.Store(); st2 != st1 {
		t.Error("Store rebuilt the backend for the same connection")
	}

	// Drop the connection the way the monitor does when a ping fails.
	m.mu.Lock()
	m.state = StateDisconnected
	m.client = nil
	m.gen++
	m.mu.Unlock()

	if st := src.Store(); st != nil {
		t.Fatal("Store returned a backend while disconnected")
	}
	waitForState(t, m, StateConnected)

	if st3 := src.Store(); st3 == st1 {
		t.Error("Store reused the backend across connection generations")
	}
}

func TestManager_CloseStopsReconnects(t *testing.T) {
	m := newTestManager(t, true)
	m.dial = fakeDial

	m.GetConnection()
	waitForState(t, m, StateConnected)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := m.GetConnection(); got != nil {
		t.Fatal("GetConnection returned a client after Close")
	}
	if m.IsAvailable() {
		t.Error("IsAvailable = true after Close")
	}
}
