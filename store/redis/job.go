package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/waline/outbound"
	"github.com/waline/outbound/id"
	"github.com/waline/outbound/job"
)

// Finished-job retention: only the most recent records are kept so the
// backend never grows without bound.
const (
	keepCompleted = 100
	keepFailed    = 50
)

// EnqueueJob stores the job as a Hash and places it in the ready or
// delayed Sorted Set depending on its state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(j.Queue, jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("outbound/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return outbound.ErrJobAlreadyExists
	}

	// FIFO sequence number, breaks ties within a priority.
	seq, err := s.client.Incr(ctx, seqKey(j.Queue)).Result()
	if err != nil {
		return fmt.Errorf("outbound/redis: enqueue seq: %w", err)
	}

	fields := jobToMap(j)
	fields["seq"] = strconv.FormatInt(seq, 10)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.DedupKey != "" {
		pipe.HSet(ctx, dedupIdxKey(j.Queue), j.DedupKey, jID)
	}
	if j.State == job.StateDelayed {
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{
			Score:  float64(j.RunAt.UnixMilli()),
			Member: jID,
		})
	} else {
		pipe.ZAdd(ctx, readyKey(j.Queue), goredis.Z{
			Score:  readyScore(j.Priority, seq),
			Member: jID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbound/redis: enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, queue, jobID string) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(queue, jobID))
}

// GetJobByDedupKey retrieves the live job registered under dedupKey.
// Stale index entries (pointing at finished or deleted jobs) are cleaned
// up on the way out.
func (s *Store) GetJobByDedupKey(ctx context.Context, queue, dedupKey string) (*job.Job, error) {
	jID, err := s.client.HGet(ctx, dedupIdxKey(queue), dedupKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, outbound.ErrJobNotFound
		}
		return nil, fmt.Errorf("outbound/redis: dedup lookup: %w", err)
	}

	j, err := s.getJobByKey(ctx, jobKey(queue, jID))
	if err != nil || j.State.Finished() {
		s.client.HDel(ctx, dedupIdxKey(queue), dedupKey)
		if err != nil {
			return nil, err
		}
		return nil, outbound.ErrJobNotFound
	}
	return j, nil
}

// DequeueJob promotes due delayed jobs into the ready set, then claims
// the lowest-scored ready job and marks it active.
func (s *Store) DequeueJob(ctx context.Context, queue string) (*job.Job, error) {
	if err := s.promoteDue(ctx, queue); err != nil {
		return nil, err
	}

	members, err := s.client.ZPopMin(ctx, readyKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("outbound/redis: dequeue zpopmin: %w", err)
	}
	if len(members) == 0 {
		return nil, outbound.ErrNoEligibleJob
	}
	jID, ok := members[0].Member.(string)
	if !ok {
		return nil, outbound.ErrNoEligibleJob
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, jID),
		"state", string(job.StateActive),
		"started_at", now,
		"updated_at", now,
	)
	pipe.SAdd(ctx, activeKey(queue), jID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.unclaim(ctx, queue, jID, members[0].Score)
		return nil, fmt.Errorf("outbound/redis: dequeue claim: %w", err)
	}

	stored, err := s.getJobByKey(ctx, jobKey(queue, jID))
	if err != nil {
		s.unclaim(ctx, queue, jID, members[0].Score)
		return nil, err
	}
	return stored, nil
}

// unclaim reverses a partially-applied claim. The member was already
// popped from the ready set, so without this a transient fault would
// strand the job outside both zsets and it would never dequeue again.
func (s *Store) unclaim(ctx context.Context, queue, jID string, score float64) {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, jID), "state", string(job.StateWaiting))
	pipe.SRem(ctx, activeKey(queue), jID)
	pipe.ZAdd(ctx, readyKey(queue), goredis.Z{Score: score, Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("claim rollback failed",
			slog.String("queue", queue),
			slog.String("job_id", jID),
			slog.String("error", err.Error()),
		)
	}
}

// promoteDue moves delayed jobs whose eligibility time has passed into
// the ready set, restoring their priority+FIFO score.
func (s *Store) promoteDue(ctx context.Context, queue string) error {
	now := time.Now().UTC().UnixMilli()
	due, err := s.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("outbound/redis: promote zrangebyscore: %w", err)
	}

	for _, jID := range due {
		vals, err := s.client.HMGet(ctx, jobKey(queue, jID), "priority", "seq").Result()
		if err != nil {
			return fmt.Errorf("outbound/redis: promote hmget: %w", err)
		}
		priority, seq := promoteScoreParts(vals)

		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), jID)
		pipe.ZAdd(ctx, readyKey(queue), goredis.Z{
			Score:  readyScore(priority, seq),
			Member: jID,
		})
		pipe.HSet(ctx, jobKey(queue, jID), "state", string(job.StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("outbound/redis: promote move: %w", err)
		}
	}
	return nil
}

// RetryJob returns an active job to the delayed set for another attempt.
// The passed job is updated in place to mirror the stored record.
func (s *Store) RetryJob(ctx context.Context, j *job.Job, runAt time.Time) error {
	jID := j.ID.String()
	key := jobKey(j.Queue, jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("outbound/redis: retry exists: %w", err)
	}
	if exists == 0 {
		return outbound.ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(job.StateDelayed),
		"run_at", runAt.Format(time.RFC3339Nano),
		"last_error", j.LastError,
		"updated_at", now,
	)
	pipe.HIncrBy(ctx, key, "retry_count", 1)
	pipe.HDel(ctx, key, "started_at")
	pipe.SRem(ctx, activeKey(j.Queue), jID)
	pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbound/redis: retry job: %w", err)
	}

	stored, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}
	*j = *stored
	return nil
}

// CompleteJob finishes a job successfully, announces it, and applies
// retention.
func (s *Store) CompleteJob(ctx context.Context, j *job.Job, res *job.Result) error {
	return s.finish(ctx, j, job.StateCompleted, res)
}

// FailJob finishes a job terminally, announces it, and applies retention.
func (s *Store) FailJob(ctx context.Context, j *job.Job, res *job.Result) error {
	return s.finish(ctx, j, job.StateFailed, res)
}

func (s *Store) finish(ctx context.Context, j *job.Job, state job.State, res *job.Result) error {
	jID := j.ID.String()
	key := jobKey(j.Queue, jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("outbound/redis: finish exists: %w", err)
	}
	if exists == 0 {
		return outbound.ErrJobNotFound
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"state":        string(state),
		"completed_at": now.Format(time.RFC3339Nano),
		"updated_at":   now.Format(time.RFC3339Nano),
	}
	if res != nil {
		fields["result"] = marshalJSON(res)
		if res.Error != "" {
			fields["last_error"] = res.Error
		}
	}

	retained := completedKey(j.Queue)
	keep := keepCompleted
	if state == job.StateFailed {
		retained = failedKey(j.Queue)
		keep = keepFailed
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SRem(ctx, activeKey(j.Queue), jID)
	pipe.ZRem(ctx, readyKey(j.Queue), jID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jID)
	if j.DedupKey != "" {
		pipe.HDel(ctx, dedupIdxKey(j.Queue), j.DedupKey)
	}
	pipe.LPush(ctx, retained, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbound/redis: finish job: %w", err)
	}

	// Evict the oldest finished records beyond the retention cap.
	for {
		n, err := s.client.LLen(ctx, retained).Result()
		if err != nil || n <= int64(keep) {
			break
		}
		old, err := s.client.RPop(ctx, retained).Result()
		if err != nil {
			break
		}
		s.client.Del(ctx, jobKey(j.Queue, old))
	}

	stored, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}
	*j = *stored

	evt := job.FinishedEvent{
		JobID:  jID,
		Queue:  j.Queue,
		State:  state,
		Result: res,
	}
	if err := s.client.Publish(ctx, finishedChannel(j.Queue), marshalJSON(evt)).Err(); err != nil {
		// Waiters fall back to polling the job record.
		s.logger.Warn("finished event publish failed",
			"queue", j.Queue, "job_id", jID, "error", err)
	}
	return nil
}

// CountJobs returns per-state counts for the queue.
func (s *Store) CountJobs(ctx context.Context, queue string) (*job.QueueStats, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, readyKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	active := pipe.SCard(ctx, activeKey(queue))
	completed := pipe.LLen(ctx, completedKey(queue))
	failed := pipe.LLen(ctx, failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("outbound/redis: count jobs: %w", err)
	}

	return &job.QueueStats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// ── helpers ──

// readyScore encodes ascending priority with FIFO tie-break: lower
// priority values pop first, and within a priority lower sequence numbers
// pop first. The multiplier leaves ~2^39 sequence values per priority
// before float64 precision becomes a concern.
func readyScore(priority job.Priority, seq int64) float64 {
	return float64(priority)*1e12 + float64(seq)
}

func promoteScoreParts(vals []any) (job.Priority, int64) {
	var priority job.Priority
	var seq int64
	if v, ok := vals[0].(string); ok {
		p, _ := strconv.Atoi(v) //nolint:errcheck // best-effort parse from trusted Redis data
		priority = job.Priority(p)
	}
	if v, ok := vals[1].(string); ok {
		seq, _ = strconv.ParseInt(v, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return priority, seq
}

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":          j.ID.String(),
		"type":        string(j.Type),
		"queue":       j.Queue,
		"payload":     string(j.Payload),
		"state":       string(j.State),
		"priority":    strconv.Itoa(int(j.Priority)),
		"dedup_key":   j.DedupKey,
		"max_retries": strconv.Itoa(j.MaxRetries),
		"retry_count": strconv.Itoa(j.RetryCount),
		"last_error":  j.LastError,
		"run_at":      j.RunAt.Format(time.RFC3339Nano),
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Result != nil {
		m["result"] = marshalJSON(j.Result)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("outbound/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, outbound.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("outbound/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])      //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"]) //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"]) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:         jID,
		Type:       job.Type(m["type"]),
		Queue:      m["queue"],
		Payload:    []byte(m["payload"]),
		State:      job.State(m["state"]),
		Priority:   job.Priority(priority),
		DedupKey:   m["dedup_key"],
		MaxRetries: maxRetries,
		RetryCount: retryCount,
		LastError:  m["last_error"],
		RunAt:      runAt,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}

	if v := m["result"]; v != "" {
		var res job.Result
		if err := json.Unmarshal([]byte(v), &res); err == nil {
			j.Result = &res
		}
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for these types
	return string(b)
}
