// Package audit records security events and serves the admin views over them.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/servercraft/panel/internal/logger"
	"github.com/servercraft/panel/internal/repository"
)

// Action tags written by the auth flow
const (
	ActionRegister              = "register"
	ActionLogin                 = "login"
	ActionLoginFailed           = "login_failed"
	ActionLogout                = "logout"
	ActionTokenRefresh          = "token_refresh"
	ActionAccountLocked         = "account_locked"
	ActionTwoFactorSetup        = "2fa_setup"
	ActionTwoFactorEnabled      = "2fa_enabled"
	ActionTwoFactorDisabled     = "2fa_disabled"
	ActionBackupCodeUsed        = "2fa_backup_used"
	ActionBackupCodesRegen      = "2fa_backup_regenerated"
	ActionTrustedDevicesCleared = "trusted_devices_cleared"
)

// ResourceAuth is the resource name for every auth event
const ResourceAuth = "auth"

// Entry is one event handed to a Logger
type Entry struct {
	UserID   *uuid.UUID
	Action   string
	Resource string
	Details  map[string]any
	IP       string
}

// Logger is the audit sink the auth flow writes to
type Logger interface {
	Record(ctx context.Context, entry Entry) error
}

// Store persists audit entries
type Store interface {
	Create(ctx context.Context, entry *repository.AuditLog) error
}

// RepositoryLogger writes entries to a Store and mirrors them to the
// application log.
type RepositoryLogger struct {
	store  Store
	logger *slog.Logger
}

// NewRepositoryLogger creates an audit Logger backed by store
func NewRepositoryLogger(store Store, log *slog.Logger) *RepositoryLogger {
	if log == nil {
		log = slog.Default()
	}
	return &RepositoryLogger{store: store, logger: log}
}

// Record persists entry
func (l *RepositoryLogger) Record(ctx context.Context, entry Entry) error {
	if entry.Resource == "" {
		entry.Resource = ResourceAuth
	}

	row := &repository.AuditLog{
		UserID:   entry.UserID,
		Action:   entry.Action,
		Resource: entry.Resource,
		Details:  repository.AuditDetails(entry.Details),
	}
	if entry.IP != "" {
		ip := entry.IP
		row.IPAddress = &ip
	}

	attrs := []any{slog.String("action", entry.Action), slog.String("ip", entry.IP)}
	if entry.UserID != nil {
		attrs = append(attrs, slog.String("user_id", entry.UserID.String()))
	}
	for k, v := range entry.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.WithCorrelationID(ctx, l.logger).Info("audit", attrs...)

	return l.store.Create(ctx, row)
}
