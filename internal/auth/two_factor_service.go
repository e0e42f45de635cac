package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/servercraft/panel/internal/audit"
	"github.com/servercraft/panel/internal/metrics"
	"github.com/servercraft/panel/internal/repository"
)

// TwoFactorEnableRequest confirms a pending setup
type TwoFactorEnableRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TwoFactorDisableRequest turns two-factor off. Token may be a TOTP code or
// an unused backup code.
type TwoFactorDisableRequest struct {
	Password string `json:"password" validate:"required"`
	Token    string `json:"token" validate:"required"`
}

// TwoFactorVerifyRequest checks a code without side effects
type TwoFactorVerifyRequest struct {
	Token string `json:"token" validate:"required"`
}

// TwoFactorSetupResponse is shown once; the plaintext backup codes are never
// retrievable again.
type TwoFactorSetupResponse struct {
	Secret          string   `json:"secret"`
	QRCode          string   `json:"qr_code"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// TwoFactorStatus reports the caller's two-factor state
type TwoFactorStatus struct {
	Enabled              bool `json:"enabled"`
	SetupPending         bool `json:"setup_pending"`
	TrustedDeviceCount   int  `json:"trusted_device_count"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// SetupTwoFactor generates a secret, QR code and backup codes and stores them
// as pending. Two-factor stays off until EnableTwoFactor confirms a code.
func (s *AuthService) SetupTwoFactor(ctx context.Context, userID, ip string) (*TwoFactorSetupResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	qr, uri, err := s.totp.GenerateQR(secret, user.Email)
	if err != nil {
		return nil, err
	}
	codes, hashes, err := s.newBackupCodes(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.users.BeginTwoFactorSetup(ctx, user.ID, secret, hashes); err != nil {
		if errors.Is(err, repository.ErrTwoFactorConflict) {
			return nil, ErrTwoFactorAlreadyEnabled
		}
		return nil, err
	}

	metrics.TwoFactorEventsTotal.WithLabelValues("setup").Inc()
	s.record(ctx, &user.ID, audit.ActionTwoFactorSetup, nil, ip)

	return &TwoFactorSetupResponse{
		Secret:          secret,
		QRCode:          qr,
		ProvisioningURI: uri,
		BackupCodes:     codes,
	}, nil
}

// EnableTwoFactor activates a pending setup after re-checking the password
// and a TOTP code from the new secret.
func (s *AuthService) EnableTwoFactor(ctx context.Context, userID string, req TwoFactorEnableRequest, ip string) error {
	if verr := validateRequest(req); verr != nil {
		return verr
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}
	if user.TwoFactorSecret == nil {
		return ErrSetupNotInitiated
	}
	if err := s.checkPassword(ctx, user, req.Password); err != nil {
		return err
	}
	if !s.totp.VerifyTokenAt(*user.TwoFactorSecret, req.Token, s.now()) {
		return ErrInvalidSecondFactor
	}

	if err := s.users.EnableTwoFactor(ctx, user.ID); err != nil {
		if errors.Is(err, repository.ErrTwoFactorConflict) {
			return ErrTwoFactorAlreadyEnabled
		}
		return err
	}

	metrics.TwoFactorEventsTotal.WithLabelValues("enabled").Inc()
	s.record(ctx, &user.ID, audit.ActionTwoFactorEnabled, nil, ip)
	return nil
}

// DisableTwoFactor turns two-factor off after re-checking the password and a
// TOTP or backup code. The secret, all backup codes and all trusted devices
// are removed.
func (s *AuthService) DisableTwoFactor(ctx context.Context, userID string, req TwoFactorDisableRequest, ip string) error {
	if verr := validateRequest(req); verr != nil {
		return verr
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}
	if err := s.checkPassword(ctx, user, req.Password); err != nil {
		return err
	}

	// Every code is wiped below, so a matched backup code need not be consumed.
	method, err := s.verifySecondFactor(ctx, user, req.Token, ip, false)
	if err != nil {
		return err
	}
	if method == "" {
		return ErrInvalidSecondFactor
	}

	noCodes := []string{}
	noDevices := []repository.TrustedDevice{}
	err = s.users.UpdateFields(ctx, user.ID, repository.UserUpdate{
		TwoFactor:      &repository.TwoFactorState{Enabled: false, Secret: nil},
		BackupCodes:    &noCodes,
		TrustedDevices: &noDevices,
	})
	if err != nil {
		return fmt.Errorf("failed to disable two-factor: %w", err)
	}

	metrics.TwoFactorEventsTotal.WithLabelValues("disabled").Inc()
	s.record(ctx, &user.ID, audit.ActionTwoFactorDisabled, map[string]any{
		"method":                  method,
		"trusted_devices_revoked": len(user.TrustedDevices),
	}, ip)
	return nil
}

// VerifyTwoFactorToken reports whether token is a valid TOTP code for the
// caller's enabled or pending secret. Nothing is recorded or consumed.
func (s *AuthService) VerifyTwoFactorToken(ctx context.Context, userID string, req TwoFactorVerifyRequest) (bool, error) {
	if verr := validateRequest(req); verr != nil {
		return false, verr
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.TwoFactorSecret == nil {
		return false, ErrTwoFactorNotEnabled
	}
	return s.totp.VerifyTokenAt(*user.TwoFactorSecret, req.Token, s.now()), nil
}

// RegenerateBackupCodes replaces the whole backup code set. Every earlier
// code stops working.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, userID, ip string) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	codes, hashes, err := s.newBackupCodes(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateFields(ctx, user.ID, repository.UserUpdate{BackupCodes: &hashes}); err != nil {
		return nil, fmt.Errorf("failed to replace backup codes: %w", err)
	}

	metrics.TwoFactorEventsTotal.WithLabelValues("backup_codes_regenerated").Inc()
	s.record(ctx, &user.ID, audit.ActionBackupCodesRegen, map[string]any{"count": len(codes)}, ip)
	return codes, nil
}

// TwoFactorStatus reports whether two-factor is on and how many trusted
// devices are still inside their trust window.
func (s *AuthService) TwoFactorStatus(ctx context.Context, userID string) (*TwoFactorStatus, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &TwoFactorStatus{
		Enabled:              user.TwoFactorEnabled,
		SetupPending:         !user.TwoFactorEnabled && user.TwoFactorSecret != nil,
		TrustedDeviceCount:   s.devices.CountActive(user.TrustedDevices, s.now()),
		BackupCodesRemaining: len(user.BackupCodes),
	}, nil
}

// ClearTrustedDevices revokes every trusted device of the caller and returns
// how many entries were removed.
func (s *AuthService) ClearTrustedDevices(ctx context.Context, userID, ip string) (int, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	none := []repository.TrustedDevice{}
	if err := s.users.UpdateFields(ctx, user.ID, repository.UserUpdate{TrustedDevices: &none}); err != nil {
		return 0, fmt.Errorf("failed to clear trusted devices: %w", err)
	}

	s.record(ctx, &user.ID, audit.ActionTrustedDevicesCleared, map[string]any{"count": len(user.TrustedDevices)}, ip)
	return len(user.TrustedDevices), nil
}

func (s *AuthService) newBackupCodes(ctx context.Context) (codes, hashes []string, err error) {
	codes, err = s.totp.GenerateBackupCodes(s.backupCodeCount)
	if err != nil {
		return nil, nil, err
	}
	hashes, err = s.totp.HashBackupCodes(ctx, codes)
	if err != nil {
		return nil, nil, err
	}
	return codes, hashes, nil
}
