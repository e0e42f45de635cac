package repository

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// User roles
const (
	RoleAdmin   = "admin"
	RoleSubuser = "subuser"
)

// User represents a panel account with its credential and second-factor state
type User struct {
	ID               uuid.UUID       `db:"id"`
	Email            string          `db:"email"`
	Username         string          `db:"username"`
	PasswordHash     string          `db:"password_hash"`
	Role             string          `db:"role"`
	Permissions      Permissions     `db:"permissions"`
	Locked           bool            `db:"locked"`
	LockedAt         *time.Time      `db:"locked_at"`
	LockedUntil      *time.Time      `db:"locked_until"`
	TwoFactorEnabled bool            `db:"two_factor_enabled"`
	TwoFactorSecret  *string         `db:"two_factor_secret"`
	BackupCodes      []string        `db:"backup_codes"`
	TrustedDevices   []TrustedDevice `db:"trusted_devices"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	LastLoginAt      *time.Time      `db:"last_login_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Permissions is the closed set of panel capabilities granted to a sub-user.
// Admins implicitly hold all of them.
type Permissions struct {
	ManageServers bool `json:"manage_servers"`
	ManageFiles   bool `json:"manage_files"`
	ManageBackups bool `json:"manage_backups"`
	ManagePlugins bool `json:"manage_plugins"`
	ManageUsers   bool `json:"manage_users"`
	ViewConsole   bool `json:"view_console"`
}

// AllPermissions grants every capability.
func AllPermissions() Permissions {
	return Permissions{
		ManageServers: true,
		ManageFiles:   true,
		ManageBackups: true,
		ManagePlugins: true,
		ManageUsers:   true,
		ViewConsole:   true,
	}
}

// TrustedDevice is an entry of users.trusted_devices. Possession of Token
// bypasses the second factor until the entry ages out.
type TrustedDevice struct {
	Token       string    `json:"token"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// LockState is the lockout triple written together.
type LockState struct {
	Locked      bool
	LockedAt    *time.Time
	LockedUntil *time.Time
}

// TwoFactorState sets the enabled flag and the secret together. A nil Secret
// clears the column.
type TwoFactorState struct {
	Enabled bool
	Secret  *string
}

// UserUpdate is a partial update of a user row. Nil fields are left untouched.
type UserUpdate struct {
	PasswordHash   *string
	Lock           *LockState
	TwoFactor      *TwoFactorState
	BackupCodes    *[]string
	TrustedDevices *[]TrustedDevice
}

// IsEmpty reports whether the update would change nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.PasswordHash == nil && u.Lock == nil && u.TwoFactor == nil &&
		u.BackupCodes == nil && u.TrustedDevices == nil
}

// Session represents an authentication session in the database
type Session struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	TokenHash    string    `db:"token_hash"`
	IPAddress    *string   `db:"ip_address"`
	UserAgent    *string   `db:"user_agent"`
	CreatedAt    time.Time `db:"created_at"`
	LastActivity time.Time `db:"last_activity"`
	ExpiresAt    time.Time `db:"expires_at"`
	Active       bool      `db:"active"`
}

// FailedLoginAttempt represents a failed login attempt for brute force protection
type FailedLoginAttempt struct {
	ID          int64     `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	AttemptedAt time.Time `db:"attempted_at" json:"attempted_at"`
}

// LoginRecord is a successful login kept for the login-history view
type LoginRecord struct {
	ID         int64     `db:"id" json:"id"`
	UserID     uuid.UUID `db:"user_id" json:"user_id"`
	Email      string    `db:"email" json:"email"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	LoggedInAt time.Time `db:"logged_in_at" json:"logged_in_at"`
}

// AuditLog is a security event written by the auth flow
type AuditLog struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	UserID    *uuid.UUID   `db:"user_id" json:"user_id,omitempty"`
	Action    string       `db:"action" json:"action"`
	Resource  string       `db:"resource" json:"resource"`
	Details   AuditDetails `db:"details" json:"details"`
	IPAddress *string      `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// AuditDetails is the free-form JSONB payload of an audit entry
type AuditDetails map[string]any

// Value implements driver.Valuer
func (d AuditDetails) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (d *AuditDetails) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = AuditDetails{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("audit details: unsupported scan type")
	}
	out := AuditDetails{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// AuditFilter narrows audit and login-history listings
type AuditFilter struct {
	UserID *uuid.UUID
	Action string
	Email  string
	Since  *time.Time
	Until  *time.Time
	Page   int
	Limit  int
}

// normalize applies paging defaults and bounds
func (f *AuditFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}
