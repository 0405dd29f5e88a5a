package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/approval-engine/internal/domain"
	"github.com/spec-kit/approval-engine/internal/events"
	"github.com/spec-kit/approval-engine/internal/repository"
	"github.com/spec-kit/approval-engine/internal/token"
	apperrors "github.com/spec-kit/approval-engine/pkg/util"
)

// ApprovalService is the sole authority over request status. Every mutation
// goes through the transition table and is persisted atomically with its
// history entry.
type ApprovalService struct {
	requests   repository.ApprovalRepository
	history    repository.ApprovalHistoryRepository
	tokens     *token.Manager
	dispatcher events.Dispatcher
	callbacks  DeliveryGuard
	logger     *zap.Logger
	now        func() time.Time
}

// ApprovalDependencies bundles collaborators for the service.
type ApprovalDependencies struct {
	RequestRepo   repository.ApprovalRepository
	HistoryRepo   repository.ApprovalHistoryRepository
	TokenManager  *token.Manager
	Dispatcher    events.Dispatcher
	CallbackGuard DeliveryGuard
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Actor identifies the party performing an action.
type Actor struct {
	ID          string
	DisplayName *string
}

// CreateInput describes request creation payload.
type CreateInput struct {
	Title             string
	Content           string
	ContentType       domain.ContentType
	RequesterID       string
	ApproverID        string
	ChannelMessageRef *string
	Data              map[string]any
	ExpiresAt         *time.Time
}

// DecisionInput describes an approve/disapprove/cancel/resubmit call.
type DecisionInput struct {
	RequestID     string
	Actor         Actor
	Comment       *string
	CorrelationID *string
}

// NewApprovalService constructs the service.
func NewApprovalService(deps ApprovalDependencies) *ApprovalService {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalService{
		requests:   deps.RequestRepo,
		history:    deps.HistoryRepo,
		tokens:     deps.TokenManager,
		dispatcher: deps.Dispatcher,
		callbacks:  deps.CallbackGuard,
		logger:     logger,
		now:        clock,
	}
}

// Create inserts a new pending request and its notify history entry.
func (s *ApprovalService) Create(ctx context.Context, input CreateInput) (*domain.ApprovalRequest, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	if input.Title == "" || input.Content == "" {
		return nil, apperrors.NewValidationError("title and content required", nil)
	}
	if input.RequesterID == "" || input.ApproverID == "" {
		return nil, apperrors.NewValidationError("requester_id and approver_id required", nil)
	}
	if input.ContentType == "" {
		input.ContentType = domain.ContentTypeCustom
	}
	if err := domain.ValidatePayload(input.ContentType, input.Data); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), map[string]any{"content_type": input.ContentType})
	}
	if input.ExpiresAt != nil && input.ExpiresAt.Before(s.now()) {
		// accepted: the next sweep pass will expire it immediately
		s.logger.Warn("request created with past deadline",
			zap.Time("expires_at", *input.ExpiresAt))
	}

	req := &domain.ApprovalRequest{
		Title:             input.Title,
		Content:           input.Content,
		ContentType:       input.ContentType,
		Status:            domain.StatusPending,
		RequesterID:       input.RequesterID,
		ApproverID:        input.ApproverID,
		ChannelMessageRef: input.ChannelMessageRef,
		Data:              input.Data,
		ExpiresAt:         input.ExpiresAt,
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	requesterID := input.RequesterID
	entry := &domain.ApprovalHistory{
		Action:    domain.ActionNotify,
		ActorID:   &requesterID,
		NewStatus: domain.StatusPending,
	}
	if err := s.requests.Create(ctx, req, entry); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	s.publish(ctx, events.Event{
		Type:      events.EventRequestCreated,
		RequestID: req.ID,
		ActorID:   &requesterID,
		Payload: events.RequestCreatedPayload{
			Title:       req.Title,
			ContentType: req.ContentType,
			RequesterID: req.RequesterID,
			ApproverID:  req.ApproverID,
			ExpiresAt:   req.ExpiresAt,
		},
	})
	return req, nil
}

// Approve moves a pending request to approved. Only the designated approver
// may decide.
func (s *ApprovalService) Approve(ctx context.Context, input DecisionInput) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, input, domain.ActionApprove, events.EventRequestApproved, approverOnly)
}

// Disapprove moves a pending request to disapproved.
func (s *ApprovalService) Disapprove(ctx context.Context, input DecisionInput) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, input, domain.ActionDisapprove, events.EventRequestDisapproved, approverOnly)
}

// Cancel withdraws a pending or editing request. Requester or approver may
// cancel.
func (s *ApprovalService) Cancel(ctx context.Context, input DecisionInput) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, input, domain.ActionCancel, events.EventRequestCancelled, requesterOrApprover)
}

// Resubmit reopens a disapproved or expired request for a fresh review
// cycle. Requester only; any previous deadline is dropped.
func (s *ApprovalService) Resubmit(ctx context.Context, input DecisionInput) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, input, domain.ActionResubmit, events.EventRequestResubmitted, requesterOnly)
}

type authzRule int

const (
	approverOnly authzRule = iota
	requesterOnly
	requesterOrApprover
)

func (s *ApprovalService) decide(ctx context.Context, input DecisionInput, action domain.HistoryAction, eventType events.EventType, rule authzRule) (*domain.ApprovalRequest, error) {
	claimed := input.CorrelationID != nil && s.callbacks != nil
	if claimed {
		if !s.callbacks.FirstDelivery(ctx, *input.CorrelationID) {
			s.logger.Info("duplicate callback short-circuited",
				zap.String("request_id", input.RequestID),
				zap.String("correlation_id", *input.CorrelationID))
			return s.getRequest(ctx, input.RequestID)
		}
	}

	req, err := s.applyDecision(ctx, input, action, eventType, rule)
	if err != nil && claimed {
		// the decision did not land; a redelivery must get through
		s.callbacks.Release(ctx, *input.CorrelationID)
	}
	return req, err
}

func (s *ApprovalService) applyDecision(ctx context.Context, input DecisionInput, action domain.HistoryAction, eventType events.EventType, rule authzRule) (*domain.ApprovalRequest, error) {
	req, err := s.getRequest(ctx, input.RequestID)
	if err != nil {
		return nil, err
	}
	if err := authorize(rule, req, input.Actor.ID); err != nil {
		return nil, err
	}

	previous := req.Status
	next, ok := domain.NextStatus(previous, action)
	if !ok {
		return nil, invalidTransition(action, previous)
	}

	req.Status = next
	req.ClearEditToken()
	if action == domain.ActionResubmit {
		req.ExpiresAt = nil
	}

	actorID := input.Actor.ID
	entry := &domain.ApprovalHistory{
		Action:                action,
		ActorID:               &actorID,
		ActorDisplayName:      input.Actor.DisplayName,
		Comment:               input.Comment,
		PreviousStatus:        &previous,
		NewStatus:             next,
		ExternalCorrelationID: input.CorrelationID,
	}
	if err := s.applyTransition(ctx, req, previous, entry, action); err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:      eventType,
		RequestID: req.ID,
		ActorID:   &actorID,
		Payload: events.StatusChangedPayload{
			OldStatus:         previous,
			NewStatus:         next,
			Comment:           optional(input.Comment),
			ChannelMessageRef: req.ChannelMessageRef,
		},
	})
	return req, nil
}

// BeginEdit transitions a pending request to editing and returns the plain
// edit token, to be embedded in a web form URL. Only the hash is stored.
// Calling it again on a request already in editing reissues the token,
// invalidating the previous one.
func (s *ApprovalService) BeginEdit(ctx context.Context, requestID string, actor Actor) (*domain.ApprovalRequest, string, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	if req.ApproverID != actor.ID {
		return nil, "", apperrors.NewUnauthorizedActor("only the approver may edit this request")
	}

	previous := req.Status
	if previous != domain.StatusEditing {
		next, ok := domain.NextStatus(previous, domain.ActionEdit)
		if !ok || next != domain.StatusEditing {
			return nil, "", invalidTransition(domain.ActionEdit, previous)
		}
	}

	issued, err := s.tokens.Issue(s.now())
	if err != nil {
		return nil, "", apperrors.NewInternalError(err)
	}

	req.Status = domain.StatusEditing
	req.EditTokenHash = &issued.Hash
	req.EditTokenExpiresAt = &issued.ExpiresAt

	actorID := actor.ID
	entry := &domain.ApprovalHistory{
		Action:           domain.ActionEdit,
		ActorID:          &actorID,
		ActorDisplayName: actor.DisplayName,
		PreviousStatus:   &previous,
		NewStatus:        domain.StatusEditing,
	}
	if err := s.applyTransition(ctx, req, previous, entry, domain.ActionEdit); err != nil {
		return nil, "", err
	}
	return req, issued.Plain, nil
}

// SaveEdit consumes the edit token, merges the new payload and returns the
// request to pending for re-review. The token is invalidated in the same
// transaction as the status change.
func (s *ApprovalService) SaveEdit(ctx context.Context, requestID, plainToken string, newData map[string]any, actor Actor) (*domain.ApprovalRequest, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ApproverID != actor.ID {
		return nil, apperrors.NewUnauthorizedActor("only the approver may edit this request")
	}
	// token first: a consumed token reads as invalid, not as a bad
	// transition, so callers cannot tell reuse apart from forgery
	if reason := s.tokens.Validate(req, plainToken, s.now()); reason != token.ReasonOK {
		s.logger.Warn("edit token rejected",
			zap.String("request_id", req.ID),
			zap.String("reason", string(reason)))
		return nil, apperrors.NewInvalidToken()
	}
	if req.Status != domain.StatusEditing {
		return nil, invalidTransition(domain.ActionEdit, req.Status)
	}

	edited := req.MergeData(newData)
	if err := domain.ValidatePayload(req.ContentType, req.Data); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), map[string]any{"content_type": req.ContentType})
	}

	previous := req.Status
	req.Status = domain.StatusPending
	req.ClearEditToken()

	actorID := actor.ID
	entry := &domain.ApprovalHistory{
		Action:           domain.ActionEdit,
		ActorID:          &actorID,
		ActorDisplayName: actor.DisplayName,
		EditedFields:     edited,
		PreviousStatus:   &previous,
		NewStatus:        domain.StatusPending,
	}
	if err := s.applyTransition(ctx, req, previous, entry, domain.ActionEdit); err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:      events.EventRequestEdited,
		RequestID: req.ID,
		ActorID:   &actorID,
		Payload: events.RequestEditedPayload{
			EditedFields:      edited,
			ChannelMessageRef: req.ChannelMessageRef,
		},
	})
	return req, nil
}

// Expire promotes an overdue pending request to expired. System-invoked by
// the expiry sweep; no actor is recorded.
func (s *ApprovalService) Expire(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.ExpiryDue(s.now()) {
		return nil, invalidTransition(domain.ActionExpire, req.Status)
	}

	previous := req.Status
	req.Status = domain.StatusExpired
	req.ClearEditToken()

	entry := &domain.ApprovalHistory{
		Action:         domain.ActionExpire,
		PreviousStatus: &previous,
		NewStatus:      domain.StatusExpired,
	}
	if err := s.applyTransition(ctx, req, previous, entry, domain.ActionExpire); err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:      events.EventRequestExpired,
		RequestID: req.ID,
		Payload: events.StatusChangedPayload{
			OldStatus:         previous,
			NewStatus:         domain.StatusExpired,
			ChannelMessageRef: req.ChannelMessageRef,
		},
	})
	return req, nil
}

// ListExpirable surfaces overdue pending requests for the sweep.
func (s *ApprovalService) ListExpirable(ctx context.Context, limit int) ([]domain.ApprovalRequest, error) {
	rows, err := s.requests.ListExpirable(ctx, s.now(), limit)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return rows, nil
}

// GetWithHistory fetches a request together with its full audit trail.
func (s *ApprovalService) GetWithHistory(ctx context.Context, requestID string) (*domain.ApprovalRequest, []domain.ApprovalHistory, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.history.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, nil, apperrors.NewStorageError(err)
	}
	return req, entries, nil
}

// GetByMessageRef resolves the request behind a posted channel message,
// for callbacks that carry only the message reference.
func (s *ApprovalService) GetByMessageRef(ctx context.Context, ref string) (*domain.ApprovalRequest, error) {
	req, err := s.requests.GetByMessageRef(ctx, ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("approval request", map[string]any{"channel_message_ref": ref})
		}
		return nil, apperrors.NewStorageError(err)
	}
	return req, nil
}

// List returns requests matching the filter.
func (s *ApprovalService) List(ctx context.Context, filter repository.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	rows, err := s.requests.ListWithFilter(ctx, filter)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return rows, nil
}

func (s *ApprovalService) getRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("approval request", map[string]any{"request_id": id})
		}
		return nil, apperrors.NewStorageError(err)
	}
	return req, nil
}

func (s *ApprovalService) applyTransition(ctx context.Context, req *domain.ApprovalRequest, expected domain.RequestStatus, entry *domain.ApprovalHistory, action domain.HistoryAction) error {
	err := s.requests.Transition(ctx, req, expected, entry)
	if err == nil {
		return nil
	}
	var conflict *repository.StatusConflictError
	if errors.As(err, &conflict) {
		// a concurrent transition won the row; report its status
		return invalidTransition(action, conflict.Current)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFound("approval request", map[string]any{"request_id": req.ID})
	}
	return apperrors.NewStorageError(err)
}

func authorize(rule authzRule, req *domain.ApprovalRequest, actorID string) error {
	switch rule {
	case approverOnly:
		if req.ApproverID != actorID {
			return apperrors.NewUnauthorizedActor("only the approver may perform this action")
		}
	case requesterOnly:
		if req.RequesterID != actorID {
			return apperrors.NewUnauthorizedActor("only the requester may perform this action")
		}
	case requesterOrApprover:
		if req.RequesterID != actorID && req.ApproverID != actorID {
			return apperrors.NewUnauthorizedActor("only the requester or approver may perform this action")
		}
	}
	return nil
}

func invalidTransition(action domain.HistoryAction, current domain.RequestStatus) error {
	return apperrors.NewInvalidTransition(
		"cannot "+string(action)+" a request in status "+string(current),
		map[string]any{"current_status": current, "action": action},
	)
}

func (s *ApprovalService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
