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

// Lockout defaults
const (
	DefaultMaxFailedAttempts   = 5
	DefaultFailedAttemptWindow = time.Hour
	DefaultLockoutDuration     = 15 * time.Minute
)

// LockoutConfig holds the lockout thresholds
type LockoutConfig struct {
	MaxFailedAttempts   int
	FailedAttemptWindow time.Duration
	LockoutDuration     time.Duration
}

// LockoutGuard counts failed logins per email and locks the account for a
// fixed period once the threshold is reached. Expired locks are cleared the
// next time IsLocked is asked about the account; nothing sweeps them.
type LockoutGuard struct {
	users     repository.UserRepository
	logins    repository.LoginRepository
	threshold int
	window    time.Duration
	duration  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewLockoutGuard creates a LockoutGuard. Zero config values take the defaults.
func NewLockoutGuard(users repository.UserRepository, logins repository.LoginRepository, cfg LockoutConfig, now func() time.Time, log *slog.Logger) *LockoutGuard {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if cfg.FailedAttemptWindow <= 0 {
		cfg.FailedAttemptWindow = DefaultFailedAttemptWindow
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &LockoutGuard{
		users:     users,
		logins:    logins,
		threshold: cfg.MaxFailedAttempts,
		window:    cfg.FailedAttemptWindow,
		duration:  cfg.LockoutDuration,
		now:       now,
		logger:    log,
	}
}

// RecordFailedLogin appends a failed attempt and locks the account when the
// trailing window holds at least the threshold. It reports whether this call
// locked the account. Unknown emails are counted but there is nothing to lock.
func (g *LockoutGuard) RecordFailedLogin(ctx context.Context, email, ip string) (bool, error) {
	email = normalizeEmail(email)
	now := g.now().UTC()

	if err := g.logins.RecordFailedAttempt(ctx, email, ip, now); err != nil {
		return false, fmt.Errorf("failed to record failed login: %w", err)
	}

	count, err := g.logins.CountFailedAttempts(ctx, email, now.Add(-g.window))
	if err != nil {
		return false, fmt.Errorf("failed to count failed logins: %w", err)
	}
	if count < g.threshold {
		return false, nil
	}

	user, err := g.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	until := now.Add(g.duration)
	err = g.users.UpdateFields(ctx, user.ID, repository.UserUpdate{
		Lock: &repository.LockState{Locked: true, LockedAt: &now, LockedUntil: &until},
	})
	if err != nil {
		return false, fmt.Errorf("failed to lock account: %w", err)
	}

	metrics.AuthLockoutsTotal.Inc()
	logger.WithCorrelationID(ctx, g.logger).Warn("Account locked after repeated failed logins",
		slog.String("user_id", user.ID.String()),
		slog.Int("failed_attempts", count),
		slog.Time("locked_until", until),
	)
	return true, nil
}

// RecordSuccessfulLogin appends to the login history.
func (g *LockoutGuard) RecordSuccessfulLogin(ctx context.Context, userID uuid.UUID, email, ip, userAgent string) error {
	return g.logins.RecordLogin(ctx, &repository.LoginRecord{
		UserID:     userID,
		Email:      email,
		IPAddress:  ip,
		UserAgent:  userAgent,
		LoggedInAt: g.now().UTC(),
	})
}

// IsLocked reports whether the account for email is currently locked. A lock
// whose locked_until has passed is cleared here and reported as unlocked.
func (g *LockoutGuard) IsLocked(ctx context.Context, email string) (bool, error) {
	user, err := g.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return g.IsUserLocked(ctx, user)
}

// IsUserLocked is IsLocked for an already loaded user. On auto-unlock the
// passed user is updated in place.
func (g *LockoutGuard) IsUserLocked(ctx context.Context, user *repository.User) (bool, error) {
	if !user.Locked {
		return false, nil
	}
	now := g.now()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return true, nil
	}

	err := g.users.UpdateFields(ctx, user.ID, repository.UserUpdate{
		Lock: &repository.LockState{Locked: false},
	})
	if err != nil {
		return false, fmt.Errorf("failed to clear expired lock: %w", err)
	}
	user.Locked = false
	user.LockedAt = nil
	user.LockedUntil = nil

	logger.WithCorrelationID(ctx, g.logger).Info("Expired account lock cleared",
		slog.String("user_id", user.ID.String()),
	)
	return false, nil
}
