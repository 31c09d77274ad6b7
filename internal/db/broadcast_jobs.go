package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailgate/internal/models"
)

// ErrJobNotFound is returned when a broadcast job id does not exist.
var ErrJobNotFound = errors.New("broadcast job not found")

const jobColumns = `id, correlation_id, list_name, cc, recipients, batch_size, cursor_index, sent_count,
	failed_batches, status, resume_at, created_at, updated_at`

// CreateBroadcastJob persists a new job with its recipient snapshot.
func CreateBroadcastJob(ctx context.Context, pool *pgxpool.Pool, job *models.BroadcastJob) error {
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.FailedBatches == nil {
		job.FailedBatches = []int{}
	}
	if job.List == "" {
		job.List = models.DefaultList
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO broadcast_jobs (correlation_id, list_name, cc, recipients, batch_size, cursor_index, sent_count, failed_batches, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, job.CorrelationID, job.List, job.CC, job.Recipients, job.BatchSize, job.Cursor, job.SentCount,
		job.FailedBatches, string(job.Status),
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create broadcast job: %w", err)
	}

	return nil
}

// SaveBroadcastProgress writes the mutable part of a job in a single-row update.
func SaveBroadcastProgress(ctx context.Context, pool *pgxpool.Pool, job *models.BroadcastJob) error {
	failed := job.FailedBatches
	if failed == nil {
		failed = []int{}
	}

	err := pool.QueryRow(ctx, `
		UPDATE broadcast_jobs
		SET cursor_index = $2, sent_count = $3, failed_batches = $4, status = $5, resume_at = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, job.ID, job.Cursor, job.SentCount, failed, string(job.Status), job.ResumeAt).Scan(&job.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save broadcast progress: %w", err)
	}

	return nil
}

// GetBroadcastJob returns a job by id.
func GetBroadcastJob(ctx context.Context, pool *pgxpool.Pool, id string) (*models.BroadcastJob, error) {
	rows, err := pool.Query(ctx, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast job: %w", err)
	}

	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan broadcast job: %w", err)
	}

	return job, nil
}

// ListUnfinishedBroadcastJobs returns queued, running and paused jobs, oldest first.
func ListUnfinishedBroadcastJobs(ctx context.Context, pool *pgxpool.Pool) ([]*models.BroadcastJob, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM broadcast_jobs
		WHERE status IN ('queued', 'running', 'paused')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished broadcast jobs: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("failed to scan broadcast jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.CollectableRow) (*models.BroadcastJob, error) {
	var job models.BroadcastJob
	err := row.Scan(
		&job.ID,
		&job.CorrelationID,
		&job.List,
		&job.CC,
		&job.Recipients,
		&job.BatchSize,
		&job.Cursor,
		&job.SentCount,
		&job.FailedBatches,
		&job.Status,
		&job.ResumeAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	return &job, err
}

// GetSendQuota returns the daily counter for a sending identity.
// An identity that has never sent gets a zero quota with a zero WindowStart.
func GetSendQuota(ctx context.Context, pool *pgxpool.Pool, sender string) (*models.SendQuota, error) {
	quota := models.SendQuota{Sender: sender}

	err := pool.QueryRow(ctx, `
		SELECT window_start, count FROM send_quota WHERE sender = $1
	`, sender).Scan(&quota.WindowStart, &quota.Count)

	if errors.Is(err, pgx.ErrNoRows) {
		return &quota, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send quota: %w", err)
	}

	return &quota, nil
}

// SaveSendQuota stores the daily counter for a sending identity.
func SaveSendQuota(ctx context.Context, pool *pgxpool.Pool, quota *models.SendQuota) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO send_quota (sender, window_start, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (sender) DO UPDATE SET
			window_start = EXCLUDED.window_start,
			count = EXCLUDED.count
	`, quota.Sender, quota.WindowStart, quota.Count)
	if err != nil {
		return fmt.Errorf("failed to save send quota: %w", err)
	}

	return nil
}

// BroadcastStore exposes job and quota persistence over a shared pool.
type BroadcastStore struct {
	pool *pgxpool.Pool
}

func NewBroadcastStore(pool *pgxpool.Pool) *BroadcastStore {
	return &BroadcastStore{pool: pool}
}

func (s *BroadcastStore) CreateJob(ctx context.Context, job *models.BroadcastJob) error {
	return CreateBroadcastJob(ctx, s.pool, job)
}

func (s *BroadcastStore) SaveProgress(ctx context.Context, job *models.BroadcastJob) error {
	return SaveBroadcastProgress(ctx, s.pool, job)
}

func (s *BroadcastStore) ListUnfinished(ctx context.Context) ([]*models.BroadcastJob, error) {
	return ListUnfinishedBroadcastJobs(ctx, s.pool)
}

func (s *BroadcastStore) GetQuota(ctx context.Context, sender string) (*models.SendQuota, error) {
	return GetSendQuota(ctx, s.pool, sender)
}

func (s *BroadcastStore) SaveQuota(ctx context.Context, quota *models.SendQuota) error {
	return SaveSendQuota(ctx, s.pool, quota)
}
