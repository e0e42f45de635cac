package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	appctx "github.com/servercraft/panel/internal/context"
	"github.com/servercraft/panel/internal/logger"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	logger      *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		authService: authService,
		logger:      log,
	}
}

// Register handles user registration
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.authService.Register(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, result)
}

// Login handles user authentication
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.authService.Login(r.Context(), req, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result)
}

// Refresh handles token refresh
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if verr := validateRequest(req); verr != nil {
		h.writeServiceError(w, r, verr)
		return
	}

	result, err := h.authService.Refresh(r.Context(), req.RefreshToken, getClientIP(r), r.UserAgent())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result)
}

// Logout invalidates the session of the presented access token
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := appctx.ExtractUserID(r.Context())
	token, ok := appctx.ExtractAccessToken(r.Context())
	if !ok {
		h.writeServiceError(w, r, ErrUnauthorized)
		return
	}

	if err := h.authService.Logout(r.Context(), userID, token, getClientIP(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// GetMe handles getting current user profile
// GET /api/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeServiceError(w, r, ErrUnauthorized)
		return
	}

	profile, err := h.authService.GetProfile(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

// decode reads a JSON body into dst and writes a 400 on failure.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, string(KindValidation), "Invalid request body", nil)
		return false
	}
	return true
}

// writeServiceError maps a service error to its status and code. Anything
// that is not an *Error is logged and reported as INTERNAL_ERROR.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *Error
	if errors.As(err, &authErr) {
		h.writeError(w, HTTPStatus(authErr.Kind), string(authErr.Kind), authErr.Message, authErr.Fields)
		return
	}

	logger.WithCorrelationID(r.Context(), h.logger).Error("Request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	h.writeError(w, http.StatusInternalServerError, string(KindInternal), "An unexpected error occurred", nil)
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// getClientIP returns the client address without port. chi's RealIP
// middleware has already folded X-Forwarded-For / X-Real-IP into RemoteAddr.
func getClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
