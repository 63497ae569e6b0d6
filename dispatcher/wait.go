package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/waline/outbound/job"
)

// waitPollInterval is the fallback poll cadence while waiting on a job.
// Finished events normally arrive first; polling covers dropped events.
const waitPollInterval = 200 * time.Millisecond

// WaitForJob blocks until the job reaches a terminal state and returns its
// result. It always returns a well-formed result: timeouts, cancellation,
// and backend faults synthesize a retryable failure instead of an error.
// A non-positive timeout uses the configured queue timeout.
func (d *Dispatcher) WaitForJob(ctx context.Context, j *job.Job, timeout time.Duration) *job.Result {
	if j == nil {
		return job.Fail("job not available", true)
	}
	if j.State.Finished() {
		return resultFor(j)
	}

	st := d.store()
	if st == nil {
		return job.Fail("backend not available", true)
	}

	if timeout <= 0 {
		timeout = d.cfg.QueueTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jID := j.ID.String()

	// Subscribe before the first poll so the finish can't slip between
	// them. Subscription failure degrades to poll-only.
	var events <-chan job.FinishedEvent
	sub, err := st.SubscribeFinished(ctx, d.queueName)
	if err != nil {
		d.logger.Warn("finished-event subscribe failed; polling only",
			slog.String("job_id", jID),
			slog.String("error", err.Error()),
		)
	} else {
		defer sub.Close()
		events = sub.C()
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		// Poll first: the job may already be finished, and events
		// published before the subscription are gone.
		got, err := st.GetJob(ctx, d.queueName, jID)
		if err == nil && got.State.Finished() {
			return resultFor(got)
		}

		select {
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if evt.JobID != jID {
				continue
			}
			if evt.Result != nil {
				return evt.Result
			}
			return resultFor(&job.Job{State: evt.State})
		case <-ticker.C:
		case <-ctx.Done():
			return job.Fail("timed out waiting for job result", true)
		}
	}
}

// resultFor synthesizes a result for a finished job that carries none.
func resultFor(j *job.Job) *job.Result {
	if j.Result != nil {
		return j.Result
	}
	if j.State == job.StateCompleted {
		return &job.Result{Success: true}
	}
	msg := j.LastError
	if msg == "" {
		msg = "job failed"
	}
	return job.Fail(msg, false)
}
