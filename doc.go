// Package outbound is the rate-limited, priority-ordered outbound job
// dispatch layer for a messaging automation instance. It mediates every
// mutating action sent to the external messaging network — message sends,
// presence updates, metadata fetches, read receipts, and group
// join-request moderation — so that automated traffic stays under the
// network's account-level rate ceilings.
//
// Each automation instance owns one dispatcher.Dispatcher (producer
// façade) and one worker.Worker (single consumer). They share no state
// directly; jobs and results flow through a durable backend (job.Store,
// Redis in production, in-memory for tests). The dispatcher orders jobs by
// business priority, deduplicates expensive idempotent reads, and
// desynchronizes traffic with jittered delays. The worker executes one job
// at a time under a per-minute rate window, detects throttling signals in
// the network's error shapes, and drives a shared escalating backoff that
// decays after a sustained quiet period.
//
// The whole subsystem fails open: when disabled or when the backend is
// unreachable, every operation degrades to a nil/no-op result and callers
// fall back to direct execution. Loss of the rate-limiting layer must
// never block core messaging.
package outbound
