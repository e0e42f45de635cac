package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/servercraft/panel/internal/logger"
	"github.com/servercraft/panel/internal/repository"
)

// Listing defaults, matching the repository bounds
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// maxPage keeps (page-1)*limit far from integer overflow
const maxPage = 100000

// Reader serves the read-only security views
type Reader interface {
	List(ctx context.Context, filter repository.AuditFilter) ([]repository.AuditLog, int, error)
	ListLoginHistory(ctx context.Context, filter repository.AuditFilter) ([]repository.LoginRecord, int, error)
}

// Pagination describes one page of a listing
type Pagination struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	TotalPages  int `json:"total_pages"`
	TotalCount  int `json:"total_count"`
}

// Handler serves /security/audit-logs and /security/login-history
type Handler struct {
	reader Reader
	logger *slog.Logger
}

// NewHandler creates a new audit Handler
func NewHandler(reader Reader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{reader: reader, logger: log}
}

// RegisterRoutes mounts the security views behind authenticate and requireAdmin.
func RegisterRoutes(r chi.Router, h *Handler, authenticate, requireAdmin func(http.Handler) http.Handler) {
	r.Route("/security", func(r chi.Router) {
		r.Use(authenticate, requireAdmin)
		r.Get("/audit-logs", h.ListAuditLogs)
		r.Get("/login-history", h.ListLoginHistory)
	})
}

// ListAuditLogs handles GET /api/security/audit-logs
// Query: page, limit, user_id, action, since, until (RFC 3339)
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, details := parseFilter(r)
	if details != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", details)
		return
	}

	logs, total, err := h.reader.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeSuccess(w, map[string]interface{}{
		"logs":       logs,
		"pagination": paginate(filter, total),
	})
}

// ListLoginHistory handles GET /api/security/login-history
// Query: page, limit, user_id, email, since, until (RFC 3339)
func (h *Handler) ListLoginHistory(w http.ResponseWriter, r *http.Request) {
	filter, details := parseFilter(r)
	if details != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", details)
		return
	}

	records, total, err := h.reader.ListLoginHistory(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeSuccess(w, map[string]interface{}{
		"history":    records,
		"pagination": paginate(filter, total),
	})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.WithCorrelationID(r.Context(), h.logger).Error("Failed to read security view",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

// parseFilter reads listing parameters. Malformed page and limit fall back
// to defaults; malformed ids and times are reported.
func parseFilter(r *http.Request) (repository.AuditFilter, map[string][]string) {
	q := r.URL.Query()
	filter := repository.AuditFilter{
		Page:   1,
		Limit:  defaultPageSize,
		Action: q.Get("action"),
		Email:  q.Get("email"),
	}
	details := map[string][]string{}

	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		filter.Page = min(page, maxPage)
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = min(limit, maxPageSize)
	}

	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			details["user_id"] = []string{"must be a UUID"}
		} else {
			filter.UserID = &id
		}
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			details[p.key] = []string{"must be an RFC 3339 timestamp"}
			continue
		}
		*p.dst = &t
	}

	if len(details) > 0 {
		return filter, details
	}
	return filter, nil
}

func paginate(filter repository.AuditFilter, total int) Pagination {
	pages := (total + filter.Limit - 1) / filter.Limit
	return Pagination{
		CurrentPage: filter.Page,
		PerPage:     filter.Limit,
		TotalPages:  pages,
		TotalCount:  total,
	}
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   false,
		"error":     body,
		"timestamp": time.Now().UTC(),
	})
}
