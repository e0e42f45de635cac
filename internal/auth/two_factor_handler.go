package auth

import (
	"net/http"

	appctx "github.com/servercraft/panel/internal/context"
)

// currentUser returns the authenticated user ID or writes a 401.
func (h *AuthHandler) currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok || userID == "" {
		h.writeServiceError(w, r, ErrUnauthorized)
		return "", false
	}
	return userID, true
}

// SetupTwoFactor starts two-factor enrolment
// POST /api/auth/2fa/setup
func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	resp, err := h.authService.SetupTwoFactor(r.Context(), userID, getClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, resp)
}

// EnableTwoFactor confirms a pending setup
// POST /api/auth/2fa/enable
func (h *AuthHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req TwoFactorEnableRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.authService.EnableTwoFactor(r.Context(), userID, req, getClientIP(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"message": "Two-factor authentication enabled",
	})
}

// DisableTwoFactor turns two-factor off
// POST /api/auth/2fa/disable
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req TwoFactorDisableRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.authService.DisableTwoFactor(r.Context(), userID, req, getClientIP(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"enabled": false,
		"message": "Two-factor authentication disabled",
	})
}

// VerifyTwoFactor checks a TOTP code without logging in
// POST /api/auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req TwoFactorVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	valid, err := h.authService.VerifyTwoFactorToken(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]bool{"valid": valid})
}

// RegenerateBackupCodes issues a fresh backup code set
// GET /api/auth/2fa/backup-codes
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	codes, err := h.authService.RegenerateBackupCodes(r.Context(), userID, getClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"backup_codes": codes,
	})
}

// TwoFactorStatus reports the caller's two-factor state
// GET /api/auth/2fa/status
func (h *AuthHandler) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	status, err := h.authService.TwoFactorStatus(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, status)
}

// ClearTrustedDevices revokes all remembered devices
// DELETE /api/auth/2fa/trusted-devices
func (h *AuthHandler) ClearTrustedDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	removed, err := h.authService.ClearTrustedDevices(r.Context(), userID, getClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}
