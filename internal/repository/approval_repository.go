package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/approval-engine/internal/domain"
)

// StatusConflictError signals that a guarded transition lost the race: the
// row existed but its status no longer matched the expected one.
type StatusConflictError struct {
	RequestID string
	Current   domain.RequestStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("request %s is %s, transition rejected", e.RequestID, e.Current)
}

// ApprovalFilter captures listing parameters.
type ApprovalFilter struct {
	RequesterID  *string
	ApproverID   *string
	Statuses     []domain.RequestStatus
	ContentTypes []domain.ContentType
	CreatedFrom  *time.Time
	CreatedTo    *time.Time
	Limit        int
	Offset       int
}

// ApprovalRepository encapsulates approval request persistence. Create and
// Transition write the request row and its history entry in one transaction;
// a status change without its audit entry is never observable.
type ApprovalRepository interface {
	Create(ctx context.Context, req *domain.ApprovalRequest, entry *domain.ApprovalHistory) error
	GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetByMessageRef(ctx context.Context, ref string) (*domain.ApprovalRequest, error)
	ListWithFilter(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error)
	Transition(ctx context.Context, req *domain.ApprovalRequest, expected domain.RequestStatus, entry *domain.ApprovalHistory) error
}

type approvalRepository struct {
	pool *pgxpool.Pool
}

// NewApprovalRepository instantiates repository.
func NewApprovalRepository(pool *pgxpool.Pool) ApprovalRepository {
	return &approvalRepository{pool: pool}
}

const requestColumns = `id, title, content, content_type, status, requester_id, approver_id,
               channel_message_ref, data, edit_token_hash, edit_token_expires_at,
               created_at, updated_at, expires_at`

func (r *approvalRepository) Create(ctx context.Context, req *domain.ApprovalRequest, entry *domain.ApprovalHistory) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const query = `
        INSERT INTO approval_requests (title, content, content_type, status, requester_id, approver_id, channel_message_ref, data, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, query,
		req.Title,
		req.Content,
		req.ContentType,
		req.Status,
		req.RequesterID,
		req.ApproverID,
		req.ChannelMessageRef,
		req.Data,
		req.ExpiresAt,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return err
	}

	entry.RequestID = req.ID
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *approvalRepository) GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *approvalRepository) GetByMessageRef(ctx context.Context, ref string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE channel_message_ref=$1`
	return r.fetchSingle(ctx, query, ref)
}

func (r *approvalRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	if err := scanRequest(r.pool.QueryRow(ctx, query, arg), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *approvalRepository) ListWithFilter(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error) {
	base := `SELECT ` + requestColumns + ` FROM approval_requests`
	clauses := []string{"1=1"}
	args := []any{}

	if filter.RequesterID != nil {
		args = append(args, *filter.RequesterID)
		clauses = append(clauses, fmt.Sprintf("requester_id=$%d", len(args)))
	}
	if filter.ApproverID != nil {
		args = append(args, *filter.ApproverID)
		clauses = append(clauses, fmt.Sprintf("approver_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filter.ContentTypes) > 0 {
		placeholders := make([]string, len(filter.ContentTypes))
		for i, ct := range filter.ContentTypes {
			args = append(args, ct)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("content_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.CreatedFrom != nil {
		args = append(args, *filter.CreatedFrom)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.CreatedTo != nil {
		args = append(args, *filter.CreatedTo)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY updated_at DESC LIMIT %d OFFSET %d`,
		base, strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *approvalRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM approval_requests
        WHERE status=$1 AND expires_at IS NOT NULL AND expires_at < $2
        ORDER BY expires_at ASC LIMIT %d`, requestColumns, limit)
	rows, err := r.pool.Query(ctx, query, domain.StatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// Transition applies the request's mutable columns guarded by the expected
// status, and appends the history entry, atomically. Losing a concurrent
// race yields a StatusConflictError carrying the winner's status; an unknown
// id yields pgx.ErrNoRows.
func (r *approvalRepository) Transition(ctx context.Context, req *domain.ApprovalRequest, expected domain.RequestStatus, entry *domain.ApprovalHistory) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const query = `
        UPDATE approval_requests
        SET status=$1, data=$2, edit_token_hash=$3, edit_token_expires_at=$4, expires_at=$5, updated_at=NOW()
        WHERE id=$6 AND status=$7
        RETURNING updated_at`
	err = tx.QueryRow(ctx, query,
		req.Status,
		req.Data,
		req.EditTokenHash,
		req.EditTokenExpiresAt,
		req.ExpiresAt,
		req.ID,
		expected,
	).Scan(&req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.conflictFor(ctx, req.ID)
	}
	if err != nil {
		return err
	}

	entry.RequestID = req.ID
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// conflictFor distinguishes a missing row from a lost status race.
func (r *approvalRepository) conflictFor(ctx context.Context, id string) error {
	var current domain.RequestStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM approval_requests WHERE id=$1`, id).Scan(&current)
	if err != nil {
		return err
	}
	return &StatusConflictError{RequestID: id, Current: current}
}

func insertHistory(ctx context.Context, tx pgx.Tx, entry *domain.ApprovalHistory) error {
	const query = `
        INSERT INTO approval_history (request_id, action, actor_id, actor_display_name, comment, edited_fields, previous_status, new_status, external_correlation_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id, created_at`
	return tx.QueryRow(ctx, query,
		entry.RequestID,
		entry.Action,
		entry.ActorID,
		entry.ActorDisplayName,
		entry.Comment,
		entry.EditedFields,
		entry.PreviousStatus,
		entry.NewStatus,
		entry.ExternalCorrelationID,
	).Scan(&entry.ID, &entry.CreatedAt)
}

func scanRequest(row pgx.Row, req *domain.ApprovalRequest) error {
	return row.Scan(
		&req.ID,
		&req.Title,
		&req.Content,
		&req.ContentType,
		&req.Status,
		&req.RequesterID,
		&req.ApproverID,
		&req.ChannelMessageRef,
		&req.Data,
		&req.EditTokenHash,
		&req.EditTokenExpiresAt,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ExpiresAt,
	)
}

func scanRequests(rows pgx.Rows) ([]domain.ApprovalRequest, error) {
	var result []domain.ApprovalRequest
	for rows.Next() {
		var req domain.ApprovalRequest
		if err := scanRequest(rows, &req); err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
