package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailgate/internal/models"
)

var (
	// ErrApprovalNotFound is returned when no pending approval has the requested correlation id.
	ErrApprovalNotFound = errors.New("pending approval not found")
	// ErrAlreadyResolved is returned when an approval has already left the pending state.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// AppendApproval records a new pending approval. Records are never deleted.
func AppendApproval(ctx context.Context, pool *pgxpool.Pool, approval *models.PendingApproval) error {
	attachments := approval.Attachments
	if attachments == nil {
		attachments = []models.AttachmentRef{}
	}
	if approval.List == "" {
		approval.List = models.DefaultList
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO pending_approvals (correlation_id, list_name, subject, sender_name, sender_email, body_html, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, status, created_at
	`, approval.CorrelationID, approval.List, approval.Subject, approval.SenderName, approval.SenderEmail,
		approval.BodyHTML, attachments,
	).Scan(&approval.ID, &approval.Status, &approval.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append pending approval: %w", err)
	}

	return nil
}

const approvalColumns = `id, correlation_id, list_name, subject, sender_name, sender_email, body_html,
	attachments, status, created_at, resolved_at`

// GetApprovalByCorrelationID returns the approval whose outbound Message-ID matches.
func GetApprovalByCorrelationID(ctx context.Context, pool *pgxpool.Pool, correlationID string) (*models.PendingApproval, error) {
	rows, err := pool.Query(ctx, `SELECT `+approvalColumns+` FROM pending_approvals WHERE correlation_id = $1`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}

	approval, err := pgx.CollectExactlyOneRow(rows, scanApproval)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending approval: %w", err)
	}

	return approval, nil
}

// ListApprovals returns a page of approvals, newest first, optionally
// filtered by status. An empty status lists every record.
func ListApprovals(ctx context.Context, pool *pgxpool.Pool, status models.ApprovalStatus, limit, offset int) ([]*models.PendingApproval, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM pending_approvals
		WHERE $1::text = '' OR status = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	approvals, err := pgx.CollectRows(rows, scanApproval)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending approvals: %w", err)
	}

	return approvals, nil
}

func scanApproval(row pgx.CollectableRow) (*models.PendingApproval, error) {
	var approval models.PendingApproval
	err := row.Scan(
		&approval.ID,
		&approval.CorrelationID,
		&approval.List,
		&approval.Subject,
		&approval.SenderName,
		&approval.SenderEmail,
		&approval.BodyHTML,
		&approval.Attachments,
		&approval.Status,
		&approval.CreatedAt,
		&approval.ResolvedAt,
	)
	return &approval, err
}

// MarkApprovalResolved moves a pending approval to a terminal status.
// The update only applies while the record is still pending, so two scans
// racing on the same reply cannot both claim it.
func MarkApprovalResolved(ctx context.Context, pool *pgxpool.Pool, correlationID string, outcome models.ApprovalStatus) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("invalid approval outcome %q", outcome)
	}

	tag, err := pool.Exec(ctx, `
		UPDATE pending_approvals
		SET status = $2, resolved_at = now()
		WHERE correlation_id = $1 AND status = 'pending'
	`, correlationID, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to resolve pending approval: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := GetApprovalByCorrelationID(ctx, pool, correlationID); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

// ApprovalStore exposes the pending-approval functions over a shared pool.
type ApprovalStore struct {
	pool *pgxpool.Pool
}

func NewApprovalStore(pool *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{pool: pool}
}

func (s *ApprovalStore) Append(ctx context.Context, approval *models.PendingApproval) error {
	return AppendApproval(ctx, s.pool, approval)
}

func (s *ApprovalStore) FindByCorrelationID(ctx context.Context, correlationID string) (*models.PendingApproval, error) {
	return GetApprovalByCorrelationID(ctx, s.pool, correlationID)
}

func (s *ApprovalStore) List(ctx context.Context, status models.ApprovalStatus, limit, offset int) ([]*models.PendingApproval, error) {
	return ListApprovals(ctx, s.pool, status, limit, offset)
}

func (s *ApprovalStore) MarkResolved(ctx context.Context, correlationID string, outcome models.ApprovalStatus) error {
	return MarkApprovalResolved(ctx, s.pool, correlationID, outcome)
}
