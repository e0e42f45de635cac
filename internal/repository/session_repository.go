package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for session data access
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetActiveByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
	DeactivateOldestForUser(ctx context.Context, userID uuid.UUID) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	DeactivateByTokenHash(ctx context.Context, tokenHash string) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

// Create inserts a new active session
func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (user_id, token_hash, ip_address, user_agent, created_at, last_activity, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $5, $6, TRUE)
		RETURNING id
	`

	err := r.pool.QueryRow(ctx, query,
		session.UserID,
		session.TokenHash,
		session.IPAddress,
		session.UserAgent,
		session.CreatedAt.UTC(),
		session.ExpiresAt.UTC(),
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.LastActivity = session.CreatedAt
	session.Active = true
	return nil
}

// GetActiveByTokenHash retrieves an active session by its token hash.
// Expiry is not checked here.
func (r *sessionRepository) GetActiveByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `
		SELECT id, user_id, token_hash, ip_address, user_agent, created_at, last_activity, expires_at, active
		FROM sessions
		WHERE token_hash = $1 AND active
	`

	session := &Session{}
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.IPAddress,
		&session.UserAgent,
		&session.CreatedAt,
		&session.LastActivity,
		&session.ExpiresAt,
		&session.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

// CountActiveByUser counts the user's active sessions
func (r *sessionRepository) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND active`, userID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeactivateOldestForUser deactivates the single oldest active session of a user
func (r *sessionRepository) DeactivateOldestForUser(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE sessions SET active = FALSE
		WHERE id = (
			SELECT id FROM sessions
			WHERE user_id = $1 AND active
			ORDER BY created_at ASC
			LIMIT 1
		)
	`

	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to evict oldest session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Deactivate marks a session inactive by ID
func (r *sessionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE sessions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeactivateByTokenHash marks the active session for a token inactive
func (r *sessionRepository) DeactivateByTokenHash(ctx context.Context, tokenHash string) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE sessions SET active = FALSE WHERE token_hash = $1 AND active`, tokenHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Touch records activity on a session
func (r *sessionRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_activity = $2 WHERE id = $1`, id, at.UTC())
	return err
}

// DeleteStale removes sessions that expired before the cutoff and inactive
// sessions whose last activity is older than the cutoff. Such rows already
// fail validation, so removing them is not observable.
func (r *sessionRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE expires_at < $1 OR (NOT active AND last_activity < $1)
	`

	result, err := r.pool.Exec(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
