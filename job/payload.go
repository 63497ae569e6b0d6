package job

import (
	"encoding/json"
	"fmt"

	"github.com/waline/outbound/wa"
)

// SendMessagePayload carries a message send.
type SendMessagePayload struct {
	Recipient string          `json:"recipient"`
	Content   json.RawMessage `json:"content"`
	Options   *wa.SendOptions `json:"options,omitempty"`
	IsReply   bool            `json:"is_reply,omitempty"`
}

// SendPresencePayload carries a presence broadcast.
type SendPresencePayload struct {
	Presence wa.Presence `json:"presence"`
	ToJID    string      `json:"to_jid,omitempty"`
}

// GroupMetadataPayload carries a group metadata fetch.
type GroupMetadataPayload struct {
	GroupJID string `json:"group_jid"`
}

// ReadMessagesPayload carries a batch of read receipts.
type ReadMessagesPayload struct {
	Keys []wa.MessageKey `json:"keys"`
}

// OnWhatsAppPayload carries a registration check.
type OnWhatsAppPayload struct {
	JID string `json:"jid"`
}

// ListJoinRequestsPayload carries a join-request listing.
type ListJoinRequestsPayload struct {
	GroupJID string `json:"group_jid"`
}

// UpdateJoinRequestPayload carries a join-request moderation.
type UpdateJoinRequestPayload struct {
	GroupJID     string               `json:"group_jid"`
	Participants []string             `json:"participants"`
	Action       wa.JoinRequestAction `json:"action"`
}

// GroupMetadataDedupKey is the stable dedup identifier for metadata
// fetches of one group.
func GroupMetadataDedupKey(groupJID string) string {
	return "group-metadata:" + groupJID
}

// OnWhatsAppDedupKey is the stable dedup identifier for registration
// checks of one JID.
func OnWhatsAppDedupKey(jid string) string {
	return "on-whatsapp:" + jid
}

// EncodePayload marshals a typed payload for storage on a Job.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("job: encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a Job's payload into the typed variant for
// its Type. The worker's dispatch table uses this before each call.
func DecodePayload[T any](j *Job) (T, error) {
	var t T
	if err := json.Unmarshal(j.Payload, &t); err != nil {
		return t, fmt.Errorf("job: decode %s payload: %w", j.Type, err)
	}
	return t, nil
}
