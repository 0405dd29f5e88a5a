package domain

import "time"

// RequestStatus enumerates lifecycle states for approval requests.
type RequestStatus string

const (
	StatusPending     RequestStatus = "pending"
	StatusApproved    RequestStatus = "approved"
	StatusDisapproved RequestStatus = "disapproved"
	StatusEditing     RequestStatus = "editing"
	StatusExpired     RequestStatus = "expired"
	StatusCancelled   RequestStatus = "cancelled"
)

// ContentType tags the request payload for downstream interpretation.
type ContentType string

const (
	ContentTypeBudget   ContentType = "budget"
	ContentTypeDocument ContentType = "document"
	ContentTypeContent  ContentType = "content"
	ContentTypeCustom   ContentType = "custom"
)

// ApprovalRequest is the aggregate for human-approval decisions.
type ApprovalRequest struct {
	ID                 string
	Title              string
	Content            string
	ContentType        ContentType
	Status             RequestStatus
	RequesterID        string
	ApproverID         string
	ChannelMessageRef  *string
	Data               map[string]any
	EditTokenHash      *string
	EditTokenExpiresAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          *time.Time
}

// IsTerminal reports whether no further transitions are possible.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusCancelled
}

// ExpiryDue reports whether the request is eligible for the expiry sweep.
func (r *ApprovalRequest) ExpiryDue(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ClearEditToken drops any outstanding edit credential.
func (r *ApprovalRequest) ClearEditToken() {
	r.EditTokenHash = nil
	r.EditTokenExpiresAt = nil
}

// MergeData folds new payload fields into the existing data map and returns
// the set of changed fields (old value snapshots included) for audit.
func (r *ApprovalRequest) MergeData(updates map[string]any) map[string]any {
	if len(updates) == 0 {
		return nil
	}
	if r.Data == nil {
		r.Data = make(map[string]any, len(updates))
	}
	edited := make(map[string]any, len(updates))
	for key, val := range updates {
		edited[key] = map[string]any{
			"old": r.Data[key],
			"new": val,
		}
		r.Data[key] = val
	}
	return edited
}
