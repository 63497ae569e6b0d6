// Package wa defines the network client capability the worker executes
// jobs against. The concrete implementation lives with the session layer
// and is attached to a worker only after the session has authenticated;
// this package carries just the contract and its wire types.
package wa

import (
	"context"
	"encoding/json"
	"fmt"
)

// Presence is a presence state broadcast to the network.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresenceRecording   Presence = "recording"
	PresencePaused      Presence = "paused"
)

// JoinRequestAction moderates a pending group join request.
type JoinRequestAction string

const (
	JoinRequestApprove JoinRequestAction = "approve"
	JoinRequestReject  JoinRequestAction = "reject"
)

// MessageKey identifies a message for read receipts.
type MessageKey struct {
	RemoteJID   string `json:"remote_jid"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// SendOptions carries per-send generation options.
type SendOptions struct {
	// QuotedID is the ID of the message being replied to, if any.
	QuotedID string `json:"quoted_id,omitempty"`
	// EphemeralSeconds enables disappearing messages for this send.
	EphemeralSeconds int `json:"ephemeral_seconds,omitempty"`
	// MessageID forces a client-chosen message ID.
	MessageID string `json:"message_id,omitempty"`
}

// Message is the network's acknowledgement of a sent message.
type Message struct {
	Key       MessageKey      `json:"key"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// GroupMetadata describes a group as the network reports it.
type GroupMetadata struct {
	JID          string   `json:"jid"`
	Subject      string   `json:"subject"`
	Owner        string   `json:"owner,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Registration reports whether a JID is registered on the network.
type Registration struct {
	JID    string `json:"jid"`
	Exists bool   `json:"exists"`
}

// JoinRequest is a pending group membership request.
type JoinRequest struct {
	JID         string `json:"jid"`
	RequestedAt int64  `json:"requested_at,omitempty"`
	Method      string `json:"method,omitempty"`
}

// JoinRequestResult reports the outcome of moderating one participant.
type JoinRequestResult struct {
	JID    string `json:"jid"`
	Status string `json:"status"`
}

// Client is the session capability the worker calls into. Implementations
// wrap an authenticated network socket; all methods may fail with
// network-shaped errors, including throttling responses.
type Client interface {
	// SendMessage delivers content to the recipient JID.
	SendMessage(ctx context.Context, jid string, content json.RawMessage, opts *SendOptions) (*Message, error)

	// SendPresenceUpdate broadcasts a presence state. An empty toJID
	// targets the account's global presence.
	SendPresenceUpdate(ctx context.Context, presence Presence, toJID string) error

	// GroupMetadata fetches metadata for a group.
	GroupMetadata(ctx context.Context, groupJID string) (*GroupMetadata, error)

	// ReadMessages marks the given messages as read.
	ReadMessages(ctx context.Context, keys []MessageKey) error

	// OnWhatsApp checks whether a JID is registered on the network.
	OnWhatsApp(ctx context.Context, jid string) ([]Registration, error)

	// GroupRequestParticipantsList lists pending join requests.
	GroupRequestParticipantsList(ctx context.Context, groupJID string) ([]JoinRequest, error)

	// GroupRequestParticipantsUpdate approves or rejects join requests.
	GroupRequestParticipantsUpdate(ctx context.Context, groupJID string, participants []string, action JoinRequestAction) ([]JoinRequestResult, error)
}

// RequestError is a transport-level failure carrying the network's status
// code. The worker's classifier inspects the code for throttling signals.
type RequestError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wa: request failed with status %d", e.StatusCode)
	}
	return e.Message
}

// Status returns the transport status code.
func (e *RequestError) Status() int { return e.StatusCode }
