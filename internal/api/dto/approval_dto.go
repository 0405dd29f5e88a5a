package dto

import (
	"time"

	"github.com/spec-kit/approval-engine/internal/domain"
)

// CreateApprovalRequest payload.
type CreateApprovalRequest struct {
	Title             string             `json:"title"`
	Content           string             `json:"content"`
	ContentType       domain.ContentType `json:"content_type"`
	RequesterID       string             `json:"requester_id"`
	ApproverID        string             `json:"approver_id"`
	ChannelMessageRef *string            `json:"channel_message_ref"`
	Data              map[string]any     `json:"data"`
	ExpiresAt         *time.Time         `json:"expires_at"`
}

// DecisionRequest payload for approve/disapprove/cancel/resubmit.
type DecisionRequest struct {
	Comment       *string `json:"comment"`
	CorrelationID *string `json:"correlation_id"`
}

// SaveEditRequest payload for the edit form submit.
type SaveEditRequest struct {
	Token string         `json:"token"`
	Data  map[string]any `json:"data"`
}

// ApprovalSummary response.
type ApprovalSummary struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	ContentType domain.ContentType   `json:"content_type"`
	Status      domain.RequestStatus `json:"status"`
	RequesterID string               `json:"requester_id"`
	ApproverID  string               `json:"approver_id"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
}

// ApprovalDetailResponse provides the full request with its audit trail.
type ApprovalDetailResponse struct {
	ID                string                    `json:"id"`
	Title             string                    `json:"title"`
	Content           string                    `json:"content"`
	ContentType       domain.ContentType        `json:"content_type"`
	Status            domain.RequestStatus      `json:"status"`
	RequesterID       string                    `json:"requester_id"`
	ApproverID        string                    `json:"approver_id"`
	ChannelMessageRef *string                   `json:"channel_message_ref,omitempty"`
	Data              map[string]any            `json:"data"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	ExpiresAt         *time.Time                `json:"expires_at,omitempty"`
	History           []ApprovalHistoryResponse `json:"history"`
}

// ApprovalHistoryResponse represents one audit entry.
type ApprovalHistoryResponse struct {
	ID               string                `json:"id"`
	Action           domain.HistoryAction  `json:"action"`
	ActorID          *string               `json:"actor_id,omitempty"`
	ActorDisplayName *string               `json:"actor_display_name,omitempty"`
	Comment          *string               `json:"comment,omitempty"`
	EditedFields     map[string]any        `json:"edited_fields,omitempty"`
	PreviousStatus   *domain.RequestStatus `json:"previous_status,omitempty"`
	NewStatus        domain.RequestStatus  `json:"new_status"`
	CreatedAt        time.Time             `json:"created_at"`
}

// BeginEditResponse carries the one-time edit credential.
type BeginEditResponse struct {
	ID        string     `json:"id"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	EditURL   string     `json:"edit_url,omitempty"`
}
