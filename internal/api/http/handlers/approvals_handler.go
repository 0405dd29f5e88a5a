package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/approval-engine/internal/api/dto"
	"github.com/spec-kit/approval-engine/internal/auth"
	"github.com/spec-kit/approval-engine/internal/domain"
	"github.com/spec-kit/approval-engine/internal/repository"
	"github.com/spec-kit/approval-engine/internal/service"
	apperrors "github.com/spec-kit/approval-engine/pkg/util"
)

// ApprovalsHandler manages the approval workflow endpoints.
type ApprovalsHandler struct {
	service     *service.ApprovalService
	editBaseURL string
}

// NewApprovalsHandler constructs handler.
func NewApprovalsHandler(approvalService *service.ApprovalService, editBaseURL string) *ApprovalsHandler {
	return &ApprovalsHandler{service: approvalService, editBaseURL: strings.TrimRight(editBaseURL, "/")}
}

// Create POST /approvals.
func (h *ApprovalsHandler) Create(c *fiber.Ctx) error {
	if _, ok := auth.PrincipalFromContext(c); !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.CreateApprovalRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	created, err := h.service.Create(c.Context(), service.CreateInput{
		Title:             req.Title,
		Content:           req.Content,
		ContentType:       req.ContentType,
		RequesterID:       req.RequesterID,
		ApproverID:        req.ApproverID,
		ChannelMessageRef: req.ChannelMessageRef,
		Data:              req.Data,
		ExpiresAt:         req.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": approvalSummary(created)})
}

// List GET /approvals.
func (h *ApprovalsHandler) List(c *fiber.Ctx) error {
	if _, ok := auth.PrincipalFromContext(c); !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	rows, err := h.service.List(c.Context(), parseApprovalQuery(c))
	if err != nil {
		return err
	}
	items := make([]dto.ApprovalSummary, 0, len(rows))
	for i := range rows {
		items = append(items, approvalSummary(&rows[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Get GET /approvals/:id.
func (h *ApprovalsHandler) Get(c *fiber.Ctx) error {
	if _, ok := auth.PrincipalFromContext(c); !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	req, history, err := h.service.GetWithHistory(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": approvalDetail(req, history)})
}

// GetByMessage GET /approvals/message/:ref. Resolves the request a posted
// channel message belongs to.
func (h *ApprovalsHandler) GetByMessage(c *fiber.Ctx) error {
	if _, ok := auth.PrincipalFromContext(c); !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	req, err := h.service.GetByMessageRef(c.Context(), c.Params("ref"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": approvalSummary(req)})
}

// Approve POST /approvals/:id/approve.
func (h *ApprovalsHandler) Approve(c *fiber.Ctx) error {
	return h.decision(c, h.service.Approve)
}

// Disapprove POST /approvals/:id/disapprove.
func (h *ApprovalsHandler) Disapprove(c *fiber.Ctx) error {
	return h.decision(c, h.service.Disapprove)
}

// Cancel POST /approvals/:id/cancel.
func (h *ApprovalsHandler) Cancel(c *fiber.Ctx) error {
	return h.decision(c, h.service.Cancel)
}

// Resubmit POST /approvals/:id/resubmit.
func (h *ApprovalsHandler) Resubmit(c *fiber.Ctx) error {
	return h.decision(c, h.service.Resubmit)
}

// BeginEdit POST /approvals/:id/edit.
func (h *ApprovalsHandler) BeginEdit(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	req, plain, err := h.service.BeginEdit(c.Context(), c.Params("id"), actorFrom(principal))
	if err != nil {
		return err
	}
	resp := dto.BeginEditResponse{
		ID:        req.ID,
		Token:     plain,
		ExpiresAt: req.EditTokenExpiresAt,
	}
	if h.editBaseURL != "" {
		resp.EditURL = fmt.Sprintf("%s/approvals/%s/edit?token=%s", h.editBaseURL, req.ID, plain)
	}
	return c.JSON(fiber.Map{"data": resp})
}

// SaveEdit PUT /approvals/:id/edit.
func (h *ApprovalsHandler) SaveEdit(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.SaveEditRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Token == "" {
		return apperrors.NewValidationError("token required", nil)
	}
	updated, err := h.service.SaveEdit(c.Context(), c.Params("id"), req.Token, req.Data, actorFrom(principal))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": approvalSummary(updated)})
}

func (h *ApprovalsHandler) decision(c *fiber.Ctx, apply func(ctx context.Context, input service.DecisionInput) (*domain.ApprovalRequest, error)) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.DecisionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	updated, err := apply(c.Context(), service.DecisionInput{
		RequestID:     c.Params("id"),
		Actor:         actorFrom(principal),
		Comment:       req.Comment,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": approvalSummary(updated)})
}

func actorFrom(principal *auth.Principal) service.Actor {
	actor := service.Actor{ID: principal.ActorID}
	if principal.DisplayName != "" {
		name := principal.DisplayName
		actor.DisplayName = &name
	}
	return actor
}

func parseApprovalQuery(c *fiber.Ctx) repository.ApprovalFilter {
	filter := repository.ApprovalFilter{}
	if requester := c.Query("requester_id"); requester != "" {
		filter.RequesterID = &requester
	}
	if approver := c.Query("approver_id"); approver != "" {
		filter.ApproverID = &approver
	}
	if statusStr := c.Query("status"); statusStr != "" {
		for _, part := range strings.Split(statusStr, ",") {
			filter.Statuses = append(filter.Statuses, domain.RequestStatus(strings.TrimSpace(part)))
		}
	}
	if typeStr := c.Query("content_type"); typeStr != "" {
		for _, part := range strings.Split(typeStr, ",") {
			filter.ContentTypes = append(filter.ContentTypes, domain.ContentType(strings.TrimSpace(part)))
		}
	}
	if from := parseTime(c.Query("created_from")); from != nil {
		filter.CreatedFrom = from
	}
	if to := parseTime(c.Query("created_to")); to != nil {
		filter.CreatedTo = to
	}
	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 20)
	filter.Offset = (page - 1) * pageSize
	filter.Limit = pageSize
	return filter
}

func parseTime(val string) *time.Time {
	if val == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil
	}
	return &t
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func approvalSummary(req *domain.ApprovalRequest) dto.ApprovalSummary {
	return dto.ApprovalSummary{
		ID:          req.ID,
		Title:       req.Title,
		ContentType: req.ContentType,
		Status:      req.Status,
		RequesterID: req.RequesterID,
		ApproverID:  req.ApproverID,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
		ExpiresAt:   req.ExpiresAt,
	}
}

func approvalDetail(req *domain.ApprovalRequest, history []domain.ApprovalHistory) dto.ApprovalDetailResponse {
	entries := make([]dto.ApprovalHistoryResponse, 0, len(history))
	for _, entry := range history {
		entries = append(entries, dto.ApprovalHistoryResponse{
			ID:               entry.ID,
			Action:           entry.Action,
			ActorID:          entry.ActorID,
			ActorDisplayName: entry.ActorDisplayName,
			Comment:          entry.Comment,
			EditedFields:     entry.EditedFields,
			PreviousStatus:   entry.PreviousStatus,
			NewStatus:        entry.NewStatus,
			CreatedAt:        entry.CreatedAt,
		})
	}
	return dto.ApprovalDetailResponse{
		ID:                req.ID,
		Title:             req.Title,
		Content:           req.Content,
		ContentType:       req.ContentType,
		Status:            req.Status,
		RequesterID:       req.RequesterID,
		ApproverID:        req.ApproverID,
		ChannelMessageRef: req.ChannelMessageRef,
		Data:              req.Data,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
		ExpiresAt:         req.ExpiresAt,
		History:           entries,
	}
}
