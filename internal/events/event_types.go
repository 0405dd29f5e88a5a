package events

import (
	"time"

	"github.com/spec-kit/approval-engine/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventRequestCreated     EventType = "approval_request_created"
	EventRequestApproved    EventType = "approval_request_approved"
	EventRequestDisapproved EventType = "approval_request_disapproved"
	EventRequestEdited      EventType = "approval_request_edited"
	EventRequestCancelled   EventType = "approval_request_cancelled"
	EventRequestExpired     EventType = "approval_request_expired"
	EventRequestResubmitted EventType = "approval_request_resubmitted"
)

// Event represents a domain event emitted after a durable transition.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	RequestID string      `json:"request_id"`
	ActorID   *string     `json:"actor_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RequestCreatedPayload payload.
type RequestCreatedPayload struct {
	Title       string             `json:"title"`
	ContentType domain.ContentType `json:"content_type"`
	RequesterID string             `json:"requester_id"`
	ApproverID  string             `json:"approver_id"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

// StatusChangedPayload payload for decision, cancel, expire and resubmit events.
type StatusChangedPayload struct {
	OldStatus         domain.RequestStatus `json:"old_status"`
	NewStatus         domain.RequestStatus `json:"new_status"`
	Comment           string               `json:"comment,omitempty"`
	ChannelMessageRef *string              `json:"channel_message_ref,omitempty"`
}

// RequestEditedPayload payload.
type RequestEditedPayload struct {
	EditedFields      map[string]any `json:"edited_fields,omitempty"`
	ChannelMessageRef *string        `json:"channel_message_ref,omitempty"`
}
