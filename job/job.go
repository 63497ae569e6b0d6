// Package job declares the closed catalog of outbound job variants, their
// payloads and results, and the persistence contract the dispatcher and
// worker communicate through. It is pure data plus contracts; execution
// lives in the worker package.
package job

import (
	"time"

	"github.com/waline/outbound/id"
)

// Type identifies a job variant. The set is closed: the dispatcher only
// constructs these, and the worker's dispatch table only executes these.
type Type string

const (
	TypeSendMessage        Type = "send_message"
	TypeSendPresenceUpdate Type = "send_presence_update"
	TypeGroupMetadata      Type = "group_metadata"
	TypeReadMessages       Type = "read_messages"
	TypeOnWhatsAppCheck    Type = "on_whatsapp_check"
	TypeListJoinRequests   Type = "list_join_requests"
	TypeUpdateJoinRequest  Type = "update_join_request"
)

// Priority orders dequeueing: lower values are served first.
type Priority int

const (
	// PriorityCritical is reserved for future use.
	PriorityCritical Priority = 1
	// PriorityReply is for message sends that reply to an inbound message.
	PriorityReply Priority = 2
	// PriorityOutgoing covers generic sends, read receipts, and
	// join-request updates.
	PriorityOutgoing Priority = 3
	// PriorityPresence covers presence broadcasts.
	PriorityPresence Priority = 4
	// PriorityMetadata covers metadata fetches, registration checks, and
	// join-request listing.
	PriorityMetadata Priority = 5
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is eligible and waiting to be dequeued.
	StateWaiting State = "waiting"
	// StateDelayed means the job is enqueued but not yet eligible.
	StateDelayed State = "delayed"
	// StateActive means the worker is currently executing the job.
	StateActive State = "active"
	// StateCompleted means the job finished with a recorded result.
	StateCompleted State = "completed"
	// StateFailed means the job failed terminally.
	StateFailed State = "failed"
)

// Finished reports whether s is a terminal state.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a unit of outbound work. It is immutable once enqueued except
// for the backend-managed lifecycle fields (State, RetryCount, RunAt,
// LastError, Result, timestamps).
type Job struct {
	ID       id.JobID `json:"id"`
	Type     Type     `json:"type"`
	Queue    string   `json:"queue"`
	Payload  []byte   `json:"payload"`
	Priority Priority `json:"priority"`
	State    State    `json:"state"`

	// DedupKey collapses duplicate in-flight requests for expensive
	// idempotent reads. Empty for jobs without deduplication.
	DedupKey string `json:"dedup_key,omitempty"`

	MaxRetries int    `json:"max_retries"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// RunAt is when the job becomes eligible for dequeueing.
	RunAt time.Time `json:"run_at"`

	// Result is set when the job reaches a terminal state.
	Result *Result `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// QueueStats is a point-in-time snapshot of backend job counts.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}
