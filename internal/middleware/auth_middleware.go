package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/servercraft/panel/internal/auth"
	appctx "github.com/servercraft/panel/internal/context"
	"github.com/servercraft/panel/internal/logger"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SessionValidator reports whether a bearer token still has a live session
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (bool, error)
}

// AuthMiddleware handles JWT authentication for protected routes. A token is
// accepted only if its signature and expiry are valid and an active session
// matches it.
type AuthMiddleware struct {
	tokenService *auth.TokenService
	sessions     SessionValidator
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService, sessions SessionValidator, log *slog.Logger) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &AuthMiddleware{
		tokenService: tokenService,
		sessions:     sessions,
		logger:       log,
	}
}

// Authenticate rejects requests without a valid access token bound to a live
// session. On success the caller's identity and raw token are put on the
// request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, kind, msg := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, string(kind), msg)
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, string(auth.KindAuthTokenInvalid), "Invalid or expired token")
			return
		}

		// A well-signed token is not enough: logout, eviction and expiry all
		// act on the session row.
		active, err := m.sessions.ValidateSession(r.Context(), token)
		if err != nil {
			logger.WithCorrelationID(r.Context(), m.logger).Error("session lookup failed",
				slog.String("user_id", claims.UserID()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, string(auth.KindInternal), "An unexpected error occurred")
			return
		}
		if !active {
			writeError(w, http.StatusUnauthorized, string(auth.KindSessionExpired), "Session has expired or was revoked")
			return
		}

		ctx := appctx.WithIdentity(r.Context(), claims.UserID(), claims.Email, claims.Role, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from an Authorization header value. When
// the token is empty, kind and msg describe the rejection.
func bearerToken(header string) (token string, kind auth.ErrorKind, msg string) {
	if header == "" {
		return "", auth.KindAuthTokenMissing, "Authorization header is required"
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", auth.KindAuthTokenInvalid, "Invalid authorization header format"
	}
	if token = strings.TrimSpace(rest); token == "" {
		return "", auth.KindAuthTokenInvalid, "Token is empty"
	}
	return token, "", ""
}

// RequireRole rejects authenticated callers whose role is not one of roles.
// It must run after Authenticate.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := appctx.ExtractRole(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, string(auth.KindAuthTokenMissing), "Authentication required")
				return
			}
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, string(auth.KindForbidden), "Insufficient permissions")
		})
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeErrorDetails(w, statusCode, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     ErrorDetail{Code: code, Message: message, Details: details},
		Timestamp: time.Now().UTC(),
	})
}
