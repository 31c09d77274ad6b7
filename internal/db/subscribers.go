package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailgate/internal/models"
)

var (
	// ErrSubscriberNotFound is returned when the roster has no entry for an address.
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrCodeNotCurrent is returned when a confirmation raced with another one
	// or the code was replaced before it could be used.
	ErrCodeNotCurrent = errors.New("confirmation code is no longer current")
)

// UpsertPendingSubscriber stores a fresh code for an address that is not yet
// confirmed on the list and resets its failed attempts. Confirmed entries are
// left untouched.
func UpsertPendingSubscriber(ctx context.Context, pool *pgxpool.Pool, list, email string, codeHash []byte, expiresAt time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO subscribers (list_name, email, status, code_hash, code_expires_at)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (list_name, email) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			code_expires_at = EXCLUDED.code_expires_at,
			code_attempts = 0,
			updated_at = now()
		WHERE subscribers.status = 'pending'
	`, list, email, codeHash, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscriber: %w", err)
	}

	return nil
}

// GetSubscriber returns the roster entry for an address on a list.
func GetSubscriber(ctx context.Context, pool *pgxpool.Pool, list, email string) (*models.Subscriber, error) {
	var sub models.Subscriber

	err := pool.QueryRow(ctx, `
		SELECT list_name, email, status, code_hash, code_expires_at, code_attempts, created_at, updated_at
		FROM subscribers
		WHERE list_name = $1 AND email = $2
	`, list, email).Scan(
		&sub.List,
		&sub.Email,
		&sub.Status,
		&sub.CodeHash,
		&sub.CodeExpiresAt,
		&sub.CodeAttempts,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	return &sub, nil
}

// ConfirmSubscriberWithCode confirms a pending subscriber and clears its code in
// one statement. It only applies while codeHash is still the stored hash, so a
// code can be used once.
func ConfirmSubscriberWithCode(ctx context.Context, pool *pgxpool.Pool, list, email string, codeHash []byte) error {
	tag, err := pool.Exec(ctx, `
		UPDATE subscribers
		SET status = 'confirmed', code_hash = NULL, code_expires_at = NULL, code_attempts = 0, updated_at = now()
		WHERE list_name = $1 AND email = $2 AND status = 'pending' AND code_hash = $3
	`, list, email, codeHash)
	if err != nil {
		return fmt.Errorf("failed to confirm subscriber: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrCodeNotCurrent
	}

	return nil
}

// RecordFailedCodeAttempt counts a wrong guess against the code whose hash is
// codeHash. Once maxAttempts is reached the code is cleared in the same
// statement, so no further guess can match. It returns the attempts used and
// ErrCodeNotCurrent when the code was already replaced or cleared.
func RecordFailedCodeAttempt(ctx context.Context, pool *pgxpool.Pool, list, email string, codeHash []byte, maxAttempts int) (int, error) {
	var attempts int
	err := pool.QueryRow(ctx, `
		UPDATE subscribers
		SET code_attempts = code_attempts + 1,
			code_hash = CASE WHEN code_attempts + 1 >= $4 THEN NULL ELSE code_hash END,
			code_expires_at = CASE WHEN code_attempts + 1 >= $4 THEN NULL ELSE code_expires_at END,
			updated_at = now()
		WHERE list_name = $1 AND email = $2 AND status = 'pending' AND code_hash = $3
		RETURNING code_attempts
	`, list, email, codeHash, maxAttempts).Scan(&attempts)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrCodeNotCurrent
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record code attempt: %w", err)
	}

	return attempts, nil
}

// ListConfirmedSubscribers returns the confirmed addresses of a list in
// subscription order.
func ListConfirmedSubscribers(ctx context.Context, pool *pgxpool.Pool, list string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT email
		FROM subscribers
		WHERE list_name = $1 AND status = 'confirmed'
		ORDER BY created_at, email
	`, list)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed subscribers: %w", err)
	}

	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan confirmed subscribers: %w", err)
	}

	return emails, nil
}

// RemoveSubscriber deletes a roster entry from one list.
func RemoveSubscriber(ctx context.Context, pool *pgxpool.Pool, list, email string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM subscribers WHERE list_name = $1 AND email = $2`, list, email)
	if err != nil {
		return fmt.Errorf("failed to remove subscriber: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrSubscriberNotFound
	}

	return nil
}

// ImportConfirmedSubscribers marks every address as confirmed on the list
// inside one transaction and returns how many entries were created or upgraded.
func ImportConfirmedSubscribers(ctx context.Context, pool *pgxpool.Pool, list string, emails []string) (int, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	changed := 0
	for _, email := range emails {
		tag, err := tx.Exec(ctx, `
			INSERT INTO subscribers (list_name, email, status)
			VALUES ($1, $2, 'confirmed')
			ON CONFLICT (list_name, email) DO UPDATE SET
				status = 'confirmed',
				code_hash = NULL,
				code_expires_at = NULL,
				code_attempts = 0,
				updated_at = now()
			WHERE subscribers.status <> 'confirmed'
		`, list, email)
		if err != nil {
			return 0, fmt.Errorf("failed to import subscriber %s: %w", email, err)
		}
		changed += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}

	return changed, nil
}

// SubscriberStore exposes the roster functions over a shared pool.
type SubscriberStore struct {
	pool *pgxpool.Pool
}

func NewSubscriberStore(pool *pgxpool.Pool) *SubscriberStore {
	return &SubscriberStore{pool: pool}
}

func (s *SubscriberStore) Upsert(ctx context.Context, list, email string, codeHash []byte, expiresAt time.Time) error {
	return UpsertPendingSubscriber(ctx, s.pool, list, email, codeHash, expiresAt)
}

func (s *SubscriberStore) Get(ctx context.Context, list, email string) (*models.Subscriber, error) {
	return GetSubscriber(ctx, s.pool, list, email)
}

func (s *SubscriberStore) ConfirmWithCode(ctx context.Context, list, email string, codeHash []byte) error {
	return ConfirmSubscriberWithCode(ctx, s.pool, list, email, codeHash)
}

func (s *SubscriberStore) RecordFailedAttempt(ctx context.Context, list, email string, codeHash []byte, maxAttempts int) (int, error) {
	return RecordFailedCodeAttempt(ctx, s.pool, list, email, codeHash, maxAttempts)
}

func (s *SubscriberStore) ListConfirmed(ctx context.Context, list string) ([]string, error) {
	return ListConfirmedSubscribers(ctx, s.pool, list)
}

func (s *SubscriberStore) Remove(ctx context.Context, list, email string) error {
	return RemoveSubscriber(ctx, s.pool, list, email)
}

func (s *SubscriberStore) ImportConfirmed(ctx context.Context, list string, emails []string) (int, error) {
	return ImportConfirmedSubscribers(ctx, s.pool, list, emails)
}
