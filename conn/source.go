package conn

import (
	"sync"

	"github.com/waline/outbound/job"
	redisstore "github.com/waline/outbound/store/redis"
)

// Source resolves the job.Store for the connection the Manager currently
// holds. Resolution is fail-open: when no connection is available Store
// returns nil and the caller skips its work for now.
type Source struct {
	mgr   *Manager
	fixed job.Store

	mu    sync.Mutex
	store job.Store
	gen   int
}

// NewSource returns a Source backed by the managed Redis connection.
func NewSource(mgr *Manager) *Source {
	return &Source{mgr: mgr}
}

// FixedSource returns a Source that always resolves to st. Used with the
// in-memory store in tests and development.
func FixedSource(st job.Store) *Source {
	return &Source{fixed: st}
}

// Store returns the current backend, or nil when none is available. The
// store is built once per connection epoch and reused until the manager
// hands out a new connection.
func (s *Source) Store() job.Store {
	if s.fixed != nil {
		return s.fixed
	}
	client, gen := s.mgr.connection()
	if client == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil || s.gen != gen {
		s.store = redisstore.New(client, redisstore.WithLogger(s.mgr.logger))
		s.gen = gen
	}
	return s.store
}

// Available reports whether Store would return a usable backend.
func (s *Source) Available() bool {
	if s.fixed != nil {
		return true
	}
	return s.mgr.IsAvailable()
}

// Close releases the underlying connection, if this Source owns one.
func (s *Source) Close() error {
	if s.fixed != nil {
		return s.fixed.Close()
	}
	return s.mgr.Close()
}
