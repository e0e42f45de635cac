package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// AuditRepository persists audit entries and serves the admin security views
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts an audit entry
func (r *AuditRepository) Create(ctx context.Context, entry *AuditLog) error {
	query := `
		INSERT INTO audit_logs (user_id, action, resource, details, ip_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	row := r.db.QueryRowxContext(ctx, query,
		entry.UserID,
		entry.Action,
		entry.Resource,
		entry.Details,
		entry.IPAddress,
	)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// List returns audit entries, newest first, with the total matching count
func (r *AuditRepository) List(ctx context.Context, filter AuditFilter) ([]AuditLog, int, error) {
	filter.normalize()

	where, args := buildWhere(filter, "created_at", func(clauses *[]string, args *[]any) {
		if filter.UserID != nil {
			*args = append(*args, *filter.UserID)
			*clauses = append(*clauses, fmt.Sprintf("user_id = $%d", len(*args)))
		}
		if filter.Action != "" {
			*args = append(*args, filter.Action)
			*clauses = append(*clauses, fmt.Sprintf("action = $%d", len(*args)))
		}
	})

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM audit_logs"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `
		SELECT id, user_id, action, resource, details, ip_address, created_at
		FROM audit_logs` + where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	logs := []AuditLog{}
	if err := r.db.SelectContext(ctx, &logs, query, append(args, filter.Limit, (filter.Page-1)*filter.Limit)...); err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return logs, total, nil
}

// ListLoginHistory returns successful logins, newest first, with the total matching count
func (r *AuditRepository) ListLoginHistory(ctx context.Context, filter AuditFilter) ([]LoginRecord, int, error) {
	filter.normalize()

	where, args := buildWhere(filter, "logged_in_at", func(clauses *[]string, args *[]any) {
		if filter.UserID != nil {
			*args = append(*args, *filter.UserID)
			*clauses = append(*clauses, fmt.Sprintf("user_id = $%d", len(*args)))
		}
		if filter.Email != "" {
			*args = append(*args, strings.ToLower(filter.Email))
			*clauses = append(*clauses, fmt.Sprintf("email = $%d", len(*args)))
		}
	})

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM login_history"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count login history: %w", err)
	}

	query := `
		SELECT id, user_id, email, ip_address, user_agent, logged_in_at
		FROM login_history` + where + fmt.Sprintf(" ORDER BY logged_in_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	records := []LoginRecord{}
	if err := r.db.SelectContext(ctx, &records, query, append(args, filter.Limit, (filter.Page-1)*filter.Limit)...); err != nil {
		return nil, 0, fmt.Errorf("failed to query login history: %w", err)
	}
	return records, total, nil
}

// buildWhere assembles a WHERE clause from the time range on timeColumn plus
// whatever extra adds.
func buildWhere(filter AuditFilter, timeColumn string, extra func(clauses *[]string, args *[]any)) (string, []any) {
	var clauses []string
	var args []any

	extra(&clauses, &args)
	if filter.Since != nil {
		args = append(args, *filter.Since)
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", timeColumn, len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		clauses = append(clauses, fmt.Sprintf("%s <= $%d", timeColumn, len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
