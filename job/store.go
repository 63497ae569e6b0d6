package job

import (
	"context"
	"time"
)

// FinishedEvent announces that a job reached a terminal state.
type FinishedEvent struct {
	JobID  string  `json:"job_id"`
	Queue  string  `json:"queue"`
	State  State   `json:"state"`
	Result *Result `json:"result,omitempty"`
}

// Subscription is a live feed of FinishedEvents for one queue. Close must
// be called when done; the channel is closed afterwards.
type Subscription interface {
	// C returns the event channel. Delivery is best-effort: slow
	// consumers may miss events, so waiters should also poll the job
	// record.
	C() <-chan FinishedEvent

	// Close releases the subscription.
	Close() error
}

// Store is the durable backend contract the dispatcher and worker share.
// It must support per-job priority, delay-until-eligible, and stable
// dedup identifiers.
//
// Ordering: eligible jobs (RunAt elapsed) dequeue by ascending Priority,
// FIFO within a priority. Delayed jobs become eligible when RunAt passes.
type Store interface {
	// EnqueueJob persists a new job. The job's State must be
	// StateWaiting (RunAt now or past) or StateDelayed.
	EnqueueJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, queue string, jobID string) (*Job, error)

	// GetJobByDedupKey retrieves the live job registered under the given
	// dedup key, or outbound.ErrJobNotFound if none is registered.
	GetJobByDedupKey(ctx context.Context, queue, dedupKey string) (*Job, error)

	// DequeueJob atomically claims the highest-priority eligible job and
	// marks it active. Returns outbound.ErrNoEligibleJob when the queue
	// has nothing due.
	DequeueJob(ctx context.Context, queue string) (*Job, error)

	// RetryJob returns an active job to the delayed set for a later
	// attempt at runAt, incrementing its retry count.
	RetryJob(ctx context.Context, j *Job, runAt time.Time) error

	// CompleteJob records a successful result, finishes the job, and
	// emits a FinishedEvent.
	CompleteJob(ctx context.Context, j *Job, res *Result) error

	// FailJob records a terminal failure, finishes the job, and emits a
	// FinishedEvent.
	FailJob(ctx context.Context, j *Job, res *Result) error

	// CountJobs returns a snapshot of per-state counts for the queue.
	CountJobs(ctx context.Context, queue string) (*QueueStats, error)

	// SubscribeFinished opens a FinishedEvent feed for the queue.
	SubscribeFinished(ctx context.Context, queue string) (Subscription, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources held by the store.
	Close() error
}
