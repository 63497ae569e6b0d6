// Package dispatcher is the per-instance enqueue façade. Each messaging
// instance gets one Dispatcher that turns outbound requests into jobs on
// the instance's queue, applying pacing delays and deduplication before
// anything reaches the backend.
//
// Every Add method is fail-open: when rate limiting is disabled or the
// backend is unreachable it returns nil instead of an error, and the
// caller proceeds without queueing.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/waline/outbound"
	"github.com/waline/outbound/backoff"
	"github.com/waline/outbound/conn"
	"github.com/waline/outbound/id"
	"github.com/waline/outbound/job"
	"github.com/waline/outbound/wa"
)

// Dispatcher enqueues outbound jobs for one messaging instance.
type Dispatcher struct {
	cfg        outbound.Config
	instanceID string
	queueName  string
	source     *conn.Source
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithSource overrides the backend source. Tests pair this with
// conn.FixedSource and the in-memory store.
func WithSource(source *conn.Source) Option {
	return func(d *Dispatcher) { d.source = source }
}

// New builds a Dispatcher for the given instance. Unless WithSource
// overrides it, the backend is resolved lazily through a conn.Manager
// built from cfg.
func New(instanceID string, cfg outbound.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		instanceID: instanceID,
		queueName:  QueueName(instanceID),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.source == nil {
		d.source = conn.NewSource(conn.NewManager(cfg, conn.WithLogger(d.logger)))
	}
	return d
}

// QueueName returns the queue an instance's jobs live on.
func QueueName(instanceID string) string {
	return "wa_" + instanceID
}

// Queue returns this dispatcher's queue name.
func (d *Dispatcher) Queue() string { return d.queueName }

// Source exposes the backend source so a worker can consume the same
// queue over the same connection.
func (d *Dispatcher) Source() *conn.Source { return d.source }

// AddSendMessageJob enqueues a message send with the jittered pacing
// delay. Replies get a higher priority than generic outgoing sends.
func (d *Dispatcher) AddSendMessageJob(ctx context.Context, recipient string, content json.RawMessage, opts *wa.SendOptions, isReply bool) *job.Job {
	priority := job.PriorityOutgoing
	if isReply {
		priority = job.PriorityReply
	}
	return d.add(ctx, job.TypeSendMessage, job.SendMessagePayload{
		Recipient: recipient,
		Content:   content,
		Options:   opts,
		IsReply:   isReply,
	}, priority, "", true)
}

// AddPresenceJob enqueues a presence broadcast. No pacing delay: presence
// is cheap and time-sensitive.
func (d *Dispatcher) AddPresenceJob(ctx context.Context, presence wa.Presence, toJID string) *job.Job {
	return d.add(ctx, job.TypeSendPresenceUpdate, job.SendPresencePayload{
		Presence: presence,
		ToJID:    toJID,
	}, job.PriorityPresence, "", false)
}

// AddGroupMetadataJob enqueues a group metadata fetch, collapsing onto a
// live job for the same group when one exists.
func (d *Dispatcher) AddGroupMetadataJob(ctx context.Context, groupJID string) *job.Job {
	return d.add(ctx, job.TypeGroupMetadata, job.GroupMetadataPayload{
		GroupJID: groupJID,
	}, job.PriorityMetadata, job.GroupMetadataDedupKey(groupJID), false)
}

// AddReadMessagesJob enqueues a batch of read receipts.
func (d *Dispatcher) AddReadMessagesJob(ctx context.Context, keys []wa.MessageKey) *job.Job {
	return d.add(ctx, job.TypeReadMessages, job.ReadMessagesPayload{
		Keys: keys,
	}, job.PriorityOutgoing, "", false)
}

// AddOnWhatsAppJob enqueues a registration check, collapsing onto a live
// job for the same JID when one exists.
func (d *Dispatcher) AddOnWhatsAppJob(ctx context.Context, jid string) *job.Job {
	return d.add(ctx, job.TypeOnWhatsAppCheck, job.OnWhatsAppPayload{
		JID: jid,
	}, job.PriorityMetadata, job.OnWhatsAppDedupKey(jid), false)
}

// AddListJoinRequestsJob enqueues a join-request listing with the
// jittered pacing delay.
func (d *Dispatcher) AddListJoinRequestsJob(ctx context.Context, groupJID string) *job.Job {
	return d.add(ctx, job.TypeListJoinRequests, job.ListJoinRequestsPayload{
		GroupJID: groupJID,
	}, job.PriorityMetadata, "", true)
}

// AddUpdateJoinRequestJob enqueues a join-request moderation with the
// jittered pacing delay.
func (d *Dispatcher) AddUpdateJoinRequestJob(ctx context.Context, groupJID string, participants []string, action wa.JoinRequestAction) *job.Job {
	return d.add(ctx, job.TypeUpdateJoinRequest, job.UpdateJoinRequestPayload{
		GroupJID:     groupJID,
		Participants: participants,
		Action:       action,
	}, job.PriorityOutgoing, "", true)
}

// add is the common enqueue path. paced selects the jittered dispatch
// delay; dedupKey, when set, collapses onto an existing live job.
func (d *Dispatcher) add(ctx context.Context, typ job.Type, payload any, priority job.Priority, dedupKey string, paced bool) *job.Job {
	st := d.store()
	if st == nil {
		return nil
	}

	if dedupKey != "" {
		existing, err := st.GetJobByDedupKey(ctx, d.queueName, dedupKey)
		if err == nil {
			d.logger.Debug("joined existing job",
				slog.String("job_type", string(typ)),
				slog.String("dedup_key", dedupKey),
				slog.String("job_id", existing.ID.String()),
			)
			return existing
		}
		if !errors.Is(err, outbound.ErrJobNotFound) {
			d.logger.Warn("dedup lookup failed",
				slog.String("job_type", string(typ)),
				slog.String("error", err.Error()),
			)
			return nil
		}
	}

	data, err := job.EncodePayload(payload)
	if err != nil {
		d.logger.Error("payload encode failed",
			slog.String("job_type", string(typ)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       typ,
		Queue:      d.queueName,
		Payload:    data,
		Priority:   priority,
		State:      job.StateWaiting,
		DedupKey:   dedupKey,
		MaxRetries: d.cfg.MaxRetries,
		RunAt:      now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if paced {
		if delay := backoff.Jitter(d.cfg.MessageDelay, d.cfg.JitterFactor); delay > 0 {
			j.State = job.StateDelayed
			j.RunAt = now.Add(delay)
		}
	}

	if err := st.EnqueueJob(ctx, j); err != nil {
		d.logger.Warn("enqueue failed",
			slog.String("job_type", string(typ)),
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	d.logger.Debug("job enqueued",
		slog.String("job_type", string(typ)),
		slog.String("job_id", j.ID.String()),
		slog.String("queue", d.queueName),
		slog.Int("priority", int(priority)),
		slog.Time("run_at", j.RunAt),
	)
	return j
}

// store resolves the backend, or nil when the dispatcher is closed,
// disabled, or the backend is unreachable right now.
func (d *Dispatcher) store() job.Store {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed || !d.cfg.Enabled {
		return nil
	}
	return d.source.Store()
}

// Stats returns a snapshot of the queue's per-state counts, or nil when
// the backend is unavailable.
func (d *Dispatcher) Stats(ctx context.Context) *job.QueueStats {
	st := d.store()
	if st == nil {
		return nil
	}
	stats, err := st.CountJobs(ctx, d.queueName)
	if err != nil {
		d.logger.Warn("stats unavailable", slog.String("error", err.Error()))
		return nil
	}
	return stats
}

// Close shuts the dispatcher down. Idempotent; close-time errors are
// logged, never returned.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.source.Close(); err != nil {
		d.logger.Warn("dispatcher close", slog.String("error", err.Error()))
	}
}
