package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginRepository stores the failed-login ledger and the positive login history
type LoginRepository interface {
	RecordFailedAttempt(ctx context.Context, email, ip string, at time.Time) error
	CountFailedAttempts(ctx context.Context, email string, since time.Time) (int, error)
	RecordLogin(ctx context.Context, record *LoginRecord) error
	ListFailedAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]FailedLoginAttempt, error)
	DeleteFailedAttempts(ctx context.Context, ids []int64) (int64, error)
}

type loginRepository struct {
	pool *pgxpool.Pool
}

// NewLoginRepository creates a new LoginRepository instance
func NewLoginRepository(pool *pgxpool.Pool) LoginRepository {
	return &loginRepository{pool: pool}
}

// RecordFailedAttempt appends to the failed-login ledger
func (r *loginRepository) RecordFailedAttempt(ctx context.Context, email, ip string, at time.Time) error {
	query := `
		INSERT INTO failed_login_attempts (email, ip_address, attempted_at)
		VALUES ($1, $2, $3)
	`

	_, err := r.pool.Exec(ctx, query, strings.ToLower(email), ip, at.UTC())
	return err
}

// CountFailedAttempts counts failed login attempts for an email since a given time
func (r *loginRepository) CountFailedAttempts(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM failed_login_attempts
		WHERE email = LOWER($1) AND attempted_at >= $2
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, email, since.UTC()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RecordLogin appends a successful login to the history
func (r *loginRepository) RecordLogin(ctx context.Context, record *LoginRecord) error {
	query := `
		INSERT INTO login_history (user_id, email, ip_address, user_agent, logged_in_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		record.UserID,
		strings.ToLower(record.Email),
		record.IPAddress,
		record.UserAgent,
		record.LoggedInAt.UTC(),
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// ListFailedAttemptsBefore returns up to limit of the oldest ledger rows older than before
func (r *loginRepository) ListFailedAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]FailedLoginAttempt, error) {
	query := `
		SELECT id, email, ip_address, attempted_at
		FROM failed_login_attempts
		WHERE attempted_at < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed attempts: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[FailedLoginAttempt])
}

// DeleteFailedAttempts removes ledger rows by ID
func (r *loginRepository) DeleteFailedAttempts(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.pool.Exec(ctx, `DELETE FROM failed_login_attempts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
