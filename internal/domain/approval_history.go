package domain

import "time"

// HistoryAction captures which operation produced a history entry.
type HistoryAction string

const (
	ActionNotify     HistoryAction = "notify"
	ActionApprove    HistoryAction = "approve"
	ActionDisapprove HistoryAction = "disapprove"
	ActionEdit       HistoryAction = "edit"
	ActionCancel     HistoryAction = "cancel"
	ActionExpire     HistoryAction = "expire"
	ActionResubmit   HistoryAction = "resubmit"
)

// ApprovalHistory is an immutable audit trail entry, owned by exactly one
// ApprovalRequest. Entries are written in the same transaction as the status
// change they describe and never updated afterwards.
type ApprovalHistory struct {
	ID                    string
	RequestID             string
	Action                HistoryAction
	ActorID               *string
	ActorDisplayName      *string
	Comment               *string
	EditedFields          map[string]any
	PreviousStatus        *RequestStatus
	NewStatus             RequestStatus
	ExternalCorrelationID *string
	CreatedAt             time.Time
}
