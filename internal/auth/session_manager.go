package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/servercraft/panel/internal/logger"
	"github.com/servercraft/panel/internal/metrics"
	"github.com/servercraft/panel/internal/repository"
)

// Session defaults
const (
	DefaultMaxSessionsPerUser = 3
	DefaultSessionTTL         = 8 * time.Hour
)

// SessionManager tracks server-side sessions keyed by the issued access token.
// Only the token's SHA-256 is stored.
//
// The per-user cap is enforced by count-then-evict, which is not atomic:
// concurrent logins for one user can briefly leave more than the cap active.
type SessionManager struct {
	repo        repository.SessionRepository
	maxSessions int
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewSessionManager creates a SessionManager. Non-positive limits take the defaults.
func NewSessionManager(repo repository.SessionRepository, maxSessions int, ttl time.Duration, now func() time.Time, log *slog.Logger) *SessionManager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessionsPerUser
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		repo:        repo,
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         now,
		logger:      log,
	}
}

// CreateSession starts a session for token. When the user already has the
// maximum number of active sessions, the oldest one is deactivated first.
func (m *SessionManager) CreateSession(ctx context.Context, userID uuid.UUID, token, ip, userAgent string) (*repository.Session, error) {
	active, err := m.repo.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if active >= m.maxSessions {
		if err := m.repo.DeactivateOldestForUser(ctx, userID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			return nil, err
		}
		metrics.SessionsEvictedTotal.Inc()
		logger.WithCorrelationID(ctx, m.logger).Info("Evicted oldest session",
			slog.String("user_id", userID.String()),
			slog.Int("active_sessions", active),
		)
	}

	now := m.now().UTC()
	session := &repository.Session{
		UserID:    userID,
		TokenHash: HashToken(token),
		IPAddress: optionalString(ip),
		UserAgent: optionalString(userAgent),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ValidateSession reports whether token belongs to an active, unexpired
// session. An expired session is deactivated here. A valid one has its
// last_activity bumped.
func (m *SessionManager) ValidateSession(ctx context.Context, token string) (bool, error) {
	session, err := m.repo.GetActiveByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	now := m.now().UTC()
	if !now.Before(session.ExpiresAt) {
		if err := m.repo.Deactivate(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			return false, err
		}
		return false, nil
	}

	if err := m.repo.Touch(ctx, session.ID, now); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateSession deactivates the session for token. An unknown or already
// inactive token is not an error.
func (m *SessionManager) InvalidateSession(ctx context.Context, token string) error {
	err := m.repo.DeactivateByTokenHash(ctx, HashToken(token))
	if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
