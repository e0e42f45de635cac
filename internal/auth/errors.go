package auth

import (
	"errors"
	"net/http"
)

// ErrorKind is the stable, client-facing code of an auth failure.
type ErrorKind string

// Error kinds. The string value is what the API returns in error.code.
const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindInvalidCredentials  ErrorKind = "INVALID_CREDENTIALS"
	KindAccountLocked       ErrorKind = "ACCOUNT_LOCKED"
	KindInvalidSecondFactor ErrorKind = "INVALID_SECOND_FACTOR"
	KindTwoFactorEnabled    ErrorKind = "TWO_FACTOR_ALREADY_ENABLED"
	KindTwoFactorNotEnabled ErrorKind = "TWO_FACTOR_NOT_ENABLED"
	KindSetupNotInitiated   ErrorKind = "TWO_FACTOR_SETUP_NOT_INITIATED"
	KindSessionExpired      ErrorKind = "SESSION_EXPIRED"
	KindAuthTokenMissing    ErrorKind = "AUTH_TOKEN_MISSING"
	KindAuthTokenInvalid    ErrorKind = "AUTH_TOKEN_INVALID"
	KindEmailExists         ErrorKind = "EMAIL_EXISTS"
	KindInvalidRefreshToken ErrorKind = "INVALID_REFRESH_TOKEN"
	KindUserNotFound        ErrorKind = "USER_NOT_FOUND"
	KindForbidden           ErrorKind = "FORBIDDEN"
	KindInternal            ErrorKind = "INTERNAL_ERROR"
)

// Error is a typed auth failure. Two errors match under errors.Is when their
// kinds are equal, so callers compare against the sentinels below.
type Error struct {
	Kind    ErrorKind
	Message string
	// Fields carries per-field messages for validation failures.
	Fields map[string][]string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// newValidationError builds a VALIDATION_ERROR carrying field details
func newValidationError(fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Message: "Request validation failed", Fields: fields}
}

// Auth errors
var (
	ErrInvalidCredentials      = &Error{Kind: KindInvalidCredentials, Message: "Invalid email or password"}
	ErrAccountLocked           = &Error{Kind: KindAccountLocked, Message: "Account is temporarily locked. Please try again later."}
	ErrInvalidSecondFactor     = &Error{Kind: KindInvalidSecondFactor, Message: "Invalid two-factor code"}
	ErrTwoFactorAlreadyEnabled = &Error{Kind: KindTwoFactorEnabled, Message: "Two-factor authentication is already enabled"}
	ErrTwoFactorNotEnabled     = &Error{Kind: KindTwoFactorNotEnabled, Message: "Two-factor authentication is not enabled"}
	ErrSetupNotInitiated       = &Error{Kind: KindSetupNotInitiated, Message: "Two-factor setup has not been initiated"}
	ErrSessionExpired          = &Error{Kind: KindSessionExpired, Message: "Session expired or revoked"}
	ErrUnauthorized            = &Error{Kind: KindAuthTokenInvalid, Message: "Invalid or expired token"}
	ErrEmailExists             = &Error{Kind: KindEmailExists, Message: "An account with this email already exists"}
	ErrInvalidRefreshToken     = &Error{Kind: KindInvalidRefreshToken, Message: "Invalid or expired refresh token"}
	ErrUserNotFound            = &Error{Kind: KindUserNotFound, Message: "User not found"}
)

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindInvalidSecondFactor, KindSessionExpired,
		KindAuthTokenMissing, KindAuthTokenInvalid, KindInvalidRefreshToken:
		return http.StatusUnauthorized
	case KindAccountLocked, KindForbidden:
		return http.StatusForbidden
	case KindTwoFactorEnabled, KindTwoFactorNotEnabled, KindSetupNotInitiated, KindEmailExists:
		return http.StatusConflict
	case KindUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
