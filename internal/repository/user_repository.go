package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
	// ErrTwoFactorConflict means a conditional two-factor update matched no row
	// because the user's second-factor state changed underneath the caller.
	ErrTwoFactorConflict = errors.New("two-factor state conflict")
)

const uniqueViolation = "23505"

// UserRepository defines the interface for user data access. Every method
// is a single statement, so concurrent requests for the same user never lose
// an update to a read-modify-write race.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	Count(ctx context.Context) (int, error)
	UpdateFields(ctx context.Context, id uuid.UUID, update UserUpdate) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	BeginTwoFactorSetup(ctx context.Context, id uuid.UUID, secret string, backupCodes []string) error
	EnableTwoFactor(ctx context.Context, id uuid.UUID) error
	ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) (bool, error)
	AddTrustedDevice(ctx context.Context, id uuid.UUID, device TrustedDevice) error
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `
	id, email, username, password_hash, role, permissions,
	locked, locked_at, locked_until,
	two_factor_enabled, two_factor_secret, backup_codes, trusted_devices,
	created_at, updated_at, last_login_at
`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.Permissions,
		&user.Locked,
		&user.LockedAt,
		&user.LockedUntil,
		&user.TwoFactorEnabled,
		&user.TwoFactorSecret,
		&user.BackupCodes,
		&user.TrustedDevices,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (email, username, password_hash, role, permissions)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		strings.ToLower(user.Email),
		user.Username,
		user.PasswordHash,
		user.Role,
		user.Permissions,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.Email = strings.ToLower(user.Email)
	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by their email address (case-insensitive)
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// EmailExists checks if an email address is already registered (case-insensitive)
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Count returns the number of registered users
func (r *userRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateFields applies a partial update in one statement
func (r *userRepository) UpdateFields(ctx context.Context, id uuid.UUID, update UserUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	args := []any{id}
	var sets []string
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.PasswordHash != nil {
		set("password_hash", *update.PasswordHash)
	}
	if update.Lock != nil {
		set("locked", update.Lock.Locked)
		set("locked_at", update.Lock.LockedAt)
		set("locked_until", update.Lock.LockedUntil)
	}
	if update.TwoFactor != nil {
		set("two_factor_enabled", update.TwoFactor.Enabled)
		set("two_factor_secret", update.TwoFactor.Secret)
	}
	if update.BackupCodes != nil {
		codes := *update.BackupCodes
		if codes == nil {
			codes = []string{}
		}
		set("backup_codes", codes)
	}
	if update.TrustedDevices != nil {
		devices := *update.TrustedDevices
		if devices == nil {
			devices = []TrustedDevice{}
		}
		set("trusted_devices", devices)
	}

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user
func (r *userRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE users SET last_login_at = $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// BeginTwoFactorSetup stores a pending secret and backup code hashes for a
// user who does not have two-factor enabled. Any earlier pending setup is
// replaced.
func (r *userRepository) BeginTwoFactorSetup(ctx context.Context, id uuid.UUID, secret string, backupCodes []string) error {
	if backupCodes == nil {
		backupCodes = []string{}
	}
	query := `
		UPDATE users
		SET two_factor_secret = $2, backup_codes = $3, updated_at = NOW()
		WHERE id = $1 AND NOT two_factor_enabled
	`

	result, err := r.pool.Exec(ctx, query, id, secret, backupCodes)
	if err != nil {
		return fmt.Errorf("failed to begin two-factor setup: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTwoFactorConflict
	}
	return nil
}

// EnableTwoFactor flips two_factor_enabled on, but only for a user who has a
// pending secret and is not already enabled.
func (r *userRepository) EnableTwoFactor(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET two_factor_enabled = TRUE, updated_at = NOW()
		WHERE id = $1 AND two_factor_secret IS NOT NULL AND NOT two_factor_enabled
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTwoFactorConflict
	}
	return nil
}

// ConsumeBackupCode removes codeHash from the user's backup codes. It reports
// true only for the call that actually removed it.
func (r *userRepository) ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) (bool, error) {
	query := `
		UPDATE users
		SET backup_codes = array_remove(backup_codes, $2), updated_at = NOW()
		WHERE id = $1 AND $2 = ANY(backup_codes)
	`

	result, err := r.pool.Exec(ctx, query, id, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// AddTrustedDevice appends a device to the user's trusted_devices array
func (r *userRepository) AddTrustedDevice(ctx context.Context, id uuid.UUID, device TrustedDevice) error {
	query := `
		UPDATE users
		SET trusted_devices = trusted_devices || jsonb_build_array($2::jsonb), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, device)
	if err != nil {
		return fmt.Errorf("failed to add trusted device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
