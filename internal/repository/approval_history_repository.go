package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/approval-engine/internal/domain"
)

// ApprovalHistoryRepository reads the append-only audit trail. Writes happen
// only inside ApprovalRepository transactions.
type ApprovalHistoryRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]domain.ApprovalHistory, error)
}

type approvalHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewApprovalHistoryRepository builds repository.
func NewApprovalHistoryRepository(pool *pgxpool.Pool) ApprovalHistoryRepository {
	return &approvalHistoryRepository{pool: pool}
}

func (r *approvalHistoryRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.ApprovalHistory, error) {
	const query = `
        SELECT id, request_id, action, actor_id, actor_display_name, comment, edited_fields,
               previous_status, new_status, external_correlation_id, created_at
        FROM approval_history WHERE request_id=$1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ApprovalHistory
	for rows.Next() {
		var entry domain.ApprovalHistory
		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.Action,
			&entry.ActorID,
			&entry.ActorDisplayName,
			&entry.Comment,
			&entry.EditedFields,
			&entry.PreviousStatus,
			&entry.NewStatus,
			&entry.ExternalCorrelationID,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
