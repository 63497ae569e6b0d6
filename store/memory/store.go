// Package memory provides a fully in-memory job.Store.
// Safe for concurrent access. Intended for unit testing and development;
// nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/waline/outbound"
	"github.com/waline/outbound/job"
)

var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of job.Store.
type Store struct {
	mu     sync.Mutex
	closed bool
	queues map[string]*queueState
}

// queueState holds one queue's jobs plus the bookkeeping that gives us
// priority ordering, FIFO tie-breaks, and dedup lookups.
type queueState struct {
	jobs  map[string]*job.Job
	seq   map[string]uint64 // jobID → enqueue sequence, FIFO within a priority
	dedup map[string]string // dedup key → live jobID
	next  uint64
	subs  map[*subscription]struct{}
}

// New returns a new empty Store.
func New() *Store {
	return &Store{queues: make(map[string]*queueState)}
}

func (m *Store) queue(name string) *queueState {
	q, ok := m.queues[name]
	if !ok {
		q = &queueState{
			jobs:  make(map[string]*job.Job),
			seq:   make(map[string]uint64),
			dedup: make(map[string]string),
			subs:  make(map[*subscription]struct{}),
		}
		m.queues[name] = q
	}
	return q
}

// EnqueueJob persists a new job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return outbound.ErrStoreClosed
	}

	q := m.queue(j.Queue)
	key := j.ID.String()
	if _, exists := q.jobs[key]; exists {
		return outbound.ErrJobAlreadyExists
	}

	cp := *j
	q.jobs[key] = &cp
	q.next++
	q.seq[key] = q.next
	if cp.DedupKey != "" {
		q.dedup[cp.DedupKey] = key
	}
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, queue, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, outbound.ErrStoreClosed
	}

	q, ok := m.queues[queue]
	if !ok {
		return nil, outbound.ErrJobNotFound
	}
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, outbound.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// GetJobByDedupKey retrieves the live job registered under dedupKey.
func (m *Store) GetJobByDedupKey(_ context.Context, queue, dedupKey string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, outbound.ErrStoreClosed
	}

	q, ok := m.queues[queue]
	if !ok {
		return nil, outbound.ErrJobNotFound
	}
	key, ok := q.dedup[dedupKey]
	if !ok {
		return nil, outbound.ErrJobNotFound
	}
	j, ok := q.jobs[key]
	if !ok || j.State.Finished() {
		// Stale mapping; drop it so the next enqueue starts clean.
		delete(q.dedup, dedupKey)
		return nil, outbound.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// DequeueJob claims the highest-priority eligible job and marks it active.
// Eligible means waiting, or delayed with RunAt elapsed. Ordering is
// ascending priority, then enqueue order.
func (m *Store) DequeueJob(_ context.Context, queue string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, outbound.ErrStoreClosed
	}

	q, ok := m.queues[queue]
	if !ok {
		return nil, outbound.ErrNoEligibleJob
	}

	now := time.Now().UTC()
	var best *job.Job
	for _, j := range q.jobs {
		if j.State != job.StateWaiting && j.State != job.StateDelayed {
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}
		if best == nil ||
			j.Priority < best.Priority ||
			(j.Priority == best.Priority && q.seq[j.ID.String()] < q.seq[best.ID.String()]) {
			best = j
		}
	}
	if best == nil {
		return nil, outbound.ErrNoEligibleJob
	}

	best.State = job.StateActive
	best.StartedAt = &now
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

// RetryJob returns an active job to the delayed set for another attempt.
// The passed job is updated in place to mirror the stored record.
func (m *Store) RetryJob(_ context.Context, j *job.Job, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return outbound.ErrStoreClosed
	}

	q, ok := m.queues[j.Queue]
	if !ok {
		return outbound.ErrJobNotFound
	}
	stored, ok := q.jobs[j.ID.String()]
	if !ok {
		return outbound.ErrJobNotFound
	}

	stored.RetryCount++
	stored.State = job.StateDelayed
	stored.RunAt = runAt
	stored.LastError = j.LastError
	stored.StartedAt = nil
	stored.UpdatedAt = time.Now().UTC()

	*j = *stored
	return nil
}

// CompleteJob finishes a job successfully and notifies subscribers.
func (m *Store) CompleteJob(_ context.Context, j *job.Job, res *job.Result) error {
	return m.finish(j, job.StateCompleted, res)
}

// FailJob finishes a job terminally and notifies subscribers.
func (m *Store) FailJob(_ context.Context, j *job.Job, res *job.Result) error {
	return m.finish(j, job.StateFailed, res)
}

func (m *Store) finish(j *job.Job, state job.State, res *job.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return outbound.ErrStoreClosed
	}

	q, ok := m.queues[j.Queue]
	if !ok {
		return outbound.ErrJobNotFound
	}
	stored, ok := q.jobs[j.ID.String()]
	if !ok {
		return outbound.ErrJobNotFound
	}

	now := time.Now().UTC()
	stored.State = state
	stored.Result = res
	stored.CompletedAt = &now
	stored.UpdatedAt = now
	if res != nil && res.Error != "" {
		stored.LastError = res.Error
	}
	if stored.DedupKey != "" {
		delete(q.dedup, stored.DedupKey)
	}

	*j = *stored

	evt := job.FinishedEvent{
		JobID:  stored.ID.String(),
		Queue:  stored.Queue,
		State:  state,
		Result: res,
	}
	for sub := range q.subs {
		select {
		case sub.ch <- evt:
		default: // slow consumer, best-effort delivery
		}
	}
	return nil
}

// CountJobs returns per-state counts for the queue.
func (m *Store) CountJobs(_ context.Context, queue string) (*job.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, outbound.ErrStoreClosed
	}

	stats := &job.QueueStats{}
	q, ok := m.queues[queue]
	if !ok {
		return stats, nil
	}
	for _, j := range q.jobs {
		switch j.State {
		case job.StateWaiting:
			stats.Waiting++
		case job.StateDelayed:
			stats.Delayed++
		case job.StateActive:
			stats.Active++
		case job.StateCompleted:
			stats.Completed++
		case job.StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// SubscribeFinished opens a FinishedEvent feed for the queue.
func (m *Store) SubscribeFinished(_ context.Context, queue string) (job.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, outbound.ErrStoreClosed
	}

	q := m.queue(queue)
	sub := &subscription{
		store: m,
		queue: queue,
		ch:    make(chan job.FinishedEvent, 16),
	}
	q.subs[sub] = struct{}{}
	return sub, nil
}

// Ping always succeeds while the store is open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return outbound.ErrStoreClosed
	}
	return nil
}

// Close releases all subscriptions and rejects further operations.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		for sub := range q.subs {
			sub.closeLocked()
		}
		q.subs = make(map[*subscription]struct{})
	}
	return nil
}

type subscription struct {
	store *Store
	queue string
	ch    chan job.FinishedEvent
	once  sync.Once
}

func (s *subscription) C() <-chan job.FinishedEvent { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *subscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if q, ok := s.store.queues[s.queue]; ok {
		delete(q.subs, s)
	}
	s.closeLocked()
	return nil
}

// closeLocked closes the channel exactly once. Caller holds store.mu.
func (s *subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
