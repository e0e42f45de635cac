package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servercraft/panel/internal/audit"
	"github.com/servercraft/panel/internal/logger"
	"github.com/servercraft/panel/internal/metrics"
	"github.com/servercraft/panel/internal/repository"
	"github.com/servercraft/panel/internal/sanitizer"
)

// Login outcomes, used as metric labels
const (
	outcomeSuccess             = "success"
	outcomeRequires2FA         = "requires_2fa"
	outcomeLocked              = "locked"
	outcomeInvalidCredentials  = "invalid_credentials"
	outcomeInvalidSecondFactor = "invalid_second_factor"
)

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest represents the login request payload. A client that received
// requires_2fa sends the temp_token back in place of the password together
// with the totp_token.
type LoginRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required_without=TempToken"`
	TempToken      string `json:"temp_token,omitempty"`
	TOTPToken      string `json:"totp_token,omitempty"`
	DeviceToken    string `json:"device_token,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LoginResult is returned by Login, Register and Refresh. When Requires2FA is
// set only TempToken and ExpiresIn are populated.
type LoginResult struct {
	Requires2FA  bool          `json:"requires_2fa"`
	TempToken    string        `json:"temp_token,omitempty"`
	AccessToken  string        `json:"access_token,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	TokenType    string        `json:"token_type,omitempty"`
	ExpiresIn    int64         `json:"expires_in"`
	DeviceToken  string        `json:"device_token,omitempty"`
	User         *UserResponse `json:"user,omitempty"`
}

// UserResponse represents the user data in responses
type UserResponse struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	Username         string                 `json:"username"`
	Role             string                 `json:"role"`
	Permissions      repository.Permissions `json:"permissions"`
	TwoFactorEnabled bool                   `json:"two_factor_enabled"`
	CreatedAt        time.Time              `json:"created_at"`
	LastLogin        *time.Time             `json:"last_login,omitempty"`
}

func newUserResponse(u *repository.User) *UserResponse {
	return &UserResponse{
		ID:               u.ID.String(),
		Email:            u.Email,
		Username:         u.Username,
		Role:             u.Role,
		Permissions:      u.Permissions,
		TwoFactorEnabled: u.TwoFactorEnabled,
		CreatedAt:        u.CreatedAt,
		LastLogin:        u.LastLoginAt,
	}
}

// Deps are the collaborators of AuthService. Everything except Logger, Now,
// Sanitizer and BackupCodeCount is required.
type Deps struct {
	Users           repository.UserRepository
	Tokens          *TokenService
	Hasher          *PasswordHasher
	Policy          *PasswordValidator
	TOTP            *TOTPEngine
	Devices         *TrustedDeviceRegistry
	Lockout         *LockoutGuard
	Sessions        *SessionManager
	Audit           audit.Logger
	Sanitizer       *sanitizer.InputSanitizer
	BackupCodeCount int
	Logger          *slog.Logger
	Now             func() time.Time
}

// AuthService runs the login state machine and the two-factor sub-flows.
// Each call makes one final decision; nothing is retried.
type AuthService struct {
	users           repository.UserRepository
	tokens          *TokenService
	hasher          *PasswordHasher
	policy          *PasswordValidator
	totp            *TOTPEngine
	devices         *TrustedDeviceRegistry
	lockout         *LockoutGuard
	sessions        *SessionManager
	audit           audit.Logger
	sanitizer       *sanitizer.InputSanitizer
	backupCodeCount int
	logger          *slog.Logger
	now             func() time.Time

	// dummyHash is verified against when the email is unknown so that
	// response time does not reveal whether an account exists.
	dummyMu   sync.Mutex
	dummyHash string
}

// NewAuthService creates a new AuthService instance
func NewAuthService(d Deps) *AuthService {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sanitizer == nil {
		d.Sanitizer = sanitizer.NewInputSanitizer()
	}
	if d.BackupCodeCount <= 0 {
		d.BackupCodeCount = DefaultBackupCodeCount
	}
	s := &AuthService{
		users:           d.Users,
		tokens:          d.Tokens,
		hasher:          d.Hasher,
		policy:          d.Policy,
		totp:            d.TOTP,
		devices:         d.Devices,
		lockout:         d.Lockout,
		sessions:        d.Sessions,
		audit:           d.Audit,
		sanitizer:       d.Sanitizer,
		backupCodeCount: d.BackupCodeCount,
		logger:          d.Logger,
		now:             d.Now,
	}
	if s.hasher != nil {
		s.getDummyHash(context.Background())
	}
	return s
}

// Register creates an account and signs it in. The first account ever
// created becomes the admin.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, ip, userAgent string) (*LoginResult, error) {
	fields := map[string][]string{}
	if verr := validateRequest(req); verr != nil {
		fields = verr.Fields
	}
	if req.Password != "" {
		for _, pe := range s.policy.ValidatePassword(req.Password) {
			fields[pe.Field] = append(fields[pe.Field], pe.Message)
		}
	}
	username := s.sanitizer.SanitizeUsername(req.Username)
	if username == "" && len(fields["username"]) == 0 {
		fields["username"] = append(fields["username"], "username is required")
	}
	if len(fields) > 0 {
		return nil, newValidationError(fields)
	}

	email := normalizeEmail(req.Email)
	exists, err := s.users.EmailExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailExists
	}

	count, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	role, perms := repository.RoleSubuser, repository.Permissions{ViewConsole: true}
	if count == 0 {
		role, perms = repository.RoleAdmin, repository.AllPermissions()
	}

	hash, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Permissions:  perms,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, ErrEmailExists
		}
		return nil, err
	}

	logger.WithCorrelationID(ctx, s.logger).Info("User registered",
		slog.String("user_id", user.ID.String()),
		slog.String("role", role),
	)
	return s.completeLogin(ctx, user, ip, userAgent, audit.ActionRegister, map[string]any{"role": role})
}

// Login authenticates a user. Steps run strictly in order: lockout gate,
// first factor, then the second factor when enabled. A requires_2fa result
// is a success-shaped response, not an error.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, ip, userAgent string) (*LoginResult, error) {
	if verr := validateRequest(req); verr != nil {
		return nil, verr
	}
	email := normalizeEmail(req.Email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	if user != nil {
		locked, err := s.lockout.IsUserLocked(ctx, user)
		if err != nil {
			return nil, err
		}
		if locked {
			metrics.AuthLoginsTotal.WithLabelValues(outcomeLocked).Inc()
			s.record(ctx, &user.ID, audit.ActionLoginFailed, map[string]any{"email": email, "reason": "account_locked"}, ip)
			return nil, ErrAccountLocked
		}
	}

	ok, err := s.verifyFirstFactor(ctx, user, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.rejectLogin(ctx, user, email, ip, ErrInvalidCredentials, outcomeInvalidCredentials)
	}

	if !user.TwoFactorEnabled {
		return s.completeLogin(ctx, user, ip, userAgent, audit.ActionLogin, map[string]any{"method": "password"})
	}

	if req.DeviceToken != "" && s.devices.IsTrusted(req.DeviceToken, user.TrustedDevices, s.now()) {
		return s.completeLogin(ctx, user, ip, userAgent, audit.ActionLogin, map[string]any{
			"method":         "trusted_device",
			"trusted_device": true,
		})
	}

	if req.TOTPToken == "" {
		temp, err := s.tokens.GenerateTempToken(user.ID.String(), user.Email)
		if err != nil {
			return nil, err
		}
		metrics.AuthLoginsTotal.WithLabelValues(outcomeRequires2FA).Inc()
		return &LoginResult{
			Requires2FA: true,
			TempToken:   temp,
			ExpiresIn:   int64(s.tokens.TempTokenExpiry().Seconds()),
		}, nil
	}

	method, err := s.verifySecondFactor(ctx, user, req.TOTPToken, ip, true)
	if err != nil {
		return nil, err
	}
	if method == "" {
		return nil, s.rejectLogin(ctx, user, email, ip, ErrInvalidSecondFactor, outcomeInvalidSecondFactor)
	}

	details := map[string]any{"method": method, "trusted_device": false}
	var deviceToken string
	if req.RememberDevice {
		device, err := s.devices.NewDevice(userAgent, ip, s.now())
		if err != nil {
			return nil, err
		}
		if err := s.users.AddTrustedDevice(ctx, user.ID, device); err != nil {
			return nil, err
		}
		deviceToken = device.Token
		details["device_remembered"] = true
		details["device_fingerprint"] = device.Fingerprint
	}

	result, err := s.completeLogin(ctx, user, ip, userAgent, audit.ActionLogin, details)
	if err != nil {
		return nil, err
	}
	result.DeviceToken = deviceToken
	return result, nil
}

// verifyFirstFactor checks the password, or the temp token issued by an
// earlier requires_2fa response. A nil user never verifies, and a temp token
// only stands in for the password while the account still has 2FA enabled.
func (s *AuthService) verifyFirstFactor(ctx context.Context, user *repository.User, req LoginRequest) (bool, error) {
	if req.TempToken != "" {
		claims, err := s.tokens.ValidateTempToken(req.TempToken)
		if err != nil || user == nil || !user.TwoFactorEnabled {
			return false, nil
		}
		return claims.Subject == user.ID.String(), nil
	}

	if user == nil {
		// Burn the same bcrypt time as a real check.
		_, err := s.hasher.Verify(ctx, req.Password, s.getDummyHash(ctx))
		return false, err
	}

	ok, err := s.hasher.Verify(ctx, req.Password, user.PasswordHash)
	if err != nil || !ok {
		return false, err
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.rehashPassword(ctx, user, req.Password)
	}
	return true, nil
}

// verifySecondFactor checks code as a TOTP token and then as a backup code.
// It returns the method that matched, or "" when neither did. A matched
// backup code is consumed when consume is set.
func (s *AuthService) verifySecondFactor(ctx context.Context, user *repository.User, code, ip string, consume bool) (string, error) {
	if user.TwoFactorSecret != nil && s.totp.VerifyTokenAt(*user.TwoFactorSecret, code, s.now()) {
		return "totp", nil
	}

	hash, ok, err := s.totp.MatchBackupCode(ctx, code, user.BackupCodes)
	if err != nil || !ok {
		return "", err
	}
	if !consume {
		return "backup_code", nil
	}

	// Two requests racing on the same code both match above; only the one
	// whose conditional remove succeeds may use it.
	consumed, err := s.users.ConsumeBackupCode(ctx, user.ID, hash)
	if err != nil || !consumed {
		return "", err
	}

	metrics.TwoFactorEventsTotal.WithLabelValues("backup_code_used").Inc()
	s.record(ctx, &user.ID, audit.ActionBackupCodeUsed, map[string]any{
		"remaining": len(user.BackupCodes) - 1,
	}, ip)
	return "backup_code", nil
}

// rejectLogin records a failed attempt and returns the outward error.
func (s *AuthService) rejectLogin(ctx context.Context, user *repository.User, email, ip string, outward *Error, outcome string) error {
	metrics.AuthLoginsTotal.WithLabelValues(outcome).Inc()

	locked, err := s.lockout.RecordFailedLogin(ctx, email, ip)
	if err != nil {
		return err
	}

	var userID *uuid.UUID
	if user != nil {
		userID = &user.ID
	}
	s.record(ctx, userID, audit.ActionLoginFailed, map[string]any{"email": email, "reason": outcome}, ip)
	if locked {
		s.record(ctx, userID, audit.ActionAccountLocked, map[string]any{"email": email}, ip)
	}
	return outward
}

// completeLogin issues tokens, opens a session and records the login.
func (s *AuthService) completeLogin(ctx context.Context, user *repository.User, ip, userAgent, action string, details map[string]any) (*LoginResult, error) {
	pair, err := s.tokens.GenerateTokenPair(user.ID.String(), user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	if _, err := s.sessions.CreateSession(ctx, user.ID, pair.AccessToken, ip, userAgent); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		logger.WithCorrelationID(ctx, s.logger).Warn("Failed to update last login",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := s.lockout.RecordSuccessfulLogin(ctx, user.ID, user.Email, ip, userAgent); err != nil {
		logger.WithCorrelationID(ctx, s.logger).Warn("Failed to record login history",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	user.LastLoginAt = &now

	s.record(ctx, &user.ID, action, details, ip)
	metrics.AuthLoginsTotal.WithLabelValues(outcomeSuccess).Inc()

	return &LoginResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		User:         newUserResponse(user),
	}, nil
}

// Refresh exchanges a refresh token for a new token pair and opens a new
// session for the new access token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*LoginResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	locked, err := s.lockout.IsUserLocked(ctx, user)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrAccountLocked
	}

	pair, err := s.tokens.GenerateTokenPair(user.ID.String(), user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	if _, err := s.sessions.CreateSession(ctx, user.ID, pair.AccessToken, ip, userAgent); err != nil {
		return nil, err
	}

	s.record(ctx, &user.ID, audit.ActionTokenRefresh, nil, ip)

	return &LoginResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		User:         newUserResponse(user),
	}, nil
}

// Logout deactivates the session bound to accessToken.
func (s *AuthService) Logout(ctx context.Context, userID, accessToken, ip string) error {
	if err := s.sessions.InvalidateSession(ctx, accessToken); err != nil {
		return err
	}
	if id, err := uuid.Parse(userID); err == nil {
		s.record(ctx, &id, audit.ActionLogout, nil, ip)
	}
	return nil
}

// GetProfile returns the profile of the given user
func (s *AuthService) GetProfile(ctx context.Context, userID string) (*UserResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return newUserResponse(user), nil
}

func (s *AuthService) loadUser(ctx context.Context, userID string) (*repository.User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// checkPassword re-verifies the caller's password for a sensitive operation.
func (s *AuthService) checkPassword(ctx context.Context, user *repository.User, password string) error {
	if password == "" {
		return ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *AuthService) rehashPassword(ctx context.Context, user *repository.User, password string) {
	hash, err := s.hasher.Hash(ctx, password)
	if err == nil {
		err = s.users.UpdateFields(ctx, user.ID, repository.UserUpdate{PasswordHash: &hash})
	}
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).Warn("Failed to upgrade password hash",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// getDummyHash returns the cached dummy hash. A failed attempt is not cached,
// and a cancelled request context does not abort the computation.
func (s *AuthService) getDummyHash(ctx context.Context) string {
	s.dummyMu.Lock()
	defer s.dummyMu.Unlock()
	if s.dummyHash == "" {
		hash, err := s.hasher.Hash(context.WithoutCancel(ctx), uuid.NewString())
		if err != nil {
			logger.WithCorrelationID(ctx, s.logger).Warn("Failed to compute dummy password hash",
				slog.String("error", err.Error()),
			)
			return ""
		}
		s.dummyHash = hash
	}
	return s.dummyHash
}

// record writes an audit entry. Audit failures are logged, never returned:
// the security decision has already been made.
func (s *AuthService) record(ctx context.Context, userID *uuid.UUID, action string, details map[string]any, ip string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, audit.Entry{
		UserID:   userID,
		Action:   action,
		Resource: audit.ResourceAuth,
		Details:  details,
		IP:       ip,
	})
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).Error("Failed to write audit entry",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
