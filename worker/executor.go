package worker

import (
	"context"
	"fmt"

	"github.com/waline/outbound/job"
	"github.com/waline/outbound/wa"
)

// execute is the dispatch table: it decodes the job's payload and makes
// the matching client call, returning whatever the network handed back.
// Decode failures and unknown types surface as invalid (non-retryable)
// errors.
func execute(ctx context.Context, client wa.Client, j *job.Job) (any, error) {
	switch j.Type {
	case job.TypeSendMessage:
		p, err := job.DecodePayload[job.SendMessagePayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return client.SendMessage(ctx, p.Recipient, p.Content, p.Options)

	case job.TypeSendPresenceUpdate:
		p, err := job.DecodePayload[job.SendPresencePayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return nil, client.SendPresenceUpdate(ctx, p.Presence, p.ToJID)

	case job.TypeGroupMetadata:
		p, err := job.DecodePayload[job.GroupMetadataPayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return client.GroupMetadata(ctx, p.GroupJID)

	case job.TypeReadMessages:
		p, err := job.DecodePayload[job.ReadMessagesPayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return nil, client.ReadMessages(ctx, p.Keys)

	case job.TypeOnWhatsAppCheck:
		p, err := job.DecodePayload[job.OnWhatsAppPayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return client.OnWhatsApp(ctx, p.JID)

	case job.TypeListJoinRequests:
		p, err := job.DecodePayload[job.ListJoinRequestsPayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return client.GroupRequestParticipantsList(ctx, p.GroupJID)

	case job.TypeUpdateJoinRequest:
		p, err := job.DecodePayload[job.UpdateJoinRequestPayload](j)
		if err != nil {
			return nil, invalidPayload(err)
		}
		return client.GroupRequestParticipantsUpdate(ctx, p.GroupJID, p.Participants, p.Action)

	default:
		return nil, fmt.Errorf("invalid job type %q", j.Type)
	}
}

func invalidPayload(err error) error {
	return fmt.Errorf("invalid payload: %w", err)
}
