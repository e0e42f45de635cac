package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servercraft/panel/internal/audit"
	"github.com/servercraft/panel/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// mockUserRepository is an in-memory UserRepository. Reads return copies so
// that a service mutating a loaded user never changes stored state, the same
// as a row read from Postgres.
type mockUserRepository struct {
	mu    sync.Mutex
	users map[uuid.UUID]*repository.User
	now   func() time.Time

	// emailLookups holds every email passed to GetByEmail, in order
	emailLookups []string
}

func newMockUserRepository(now func() time.Time) *mockUserRepository {
	return &mockUserRepository{users: make(map[uuid.UUID]*repository.User), now: now}
}

func copyUser(u *repository.User) *repository.User {
	c := *u
	c.BackupCodes = append([]string(nil), u.BackupCodes...)
	c.TrustedDevices = append([]repository.TrustedDevice(nil), u.TrustedDevices...)
	return &c
}

func (m *mockUserRepository) Create(_ context.Context, user *repository.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrEmailAlreadyExists
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = m.now()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = copyUser(user)
	return nil
}

func (m *mockUserRepository) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (m *mockUserRepository) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emailLookups = append(m.emailLookups, email)
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := m.GetByEmail(ctx, email)
	return err == nil, nil
}

func (m *mockUserRepository) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *mockUserRepository) UpdateFields(_ context.Context, id uuid.UUID, update repository.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	if update.PasswordHash != nil {
		u.PasswordHash = *update.PasswordHash
	}
	if update.Lock != nil {
		u.Locked = update.Lock.Locked
		u.LockedAt = update.Lock.LockedAt
		u.LockedUntil = update.Lock.LockedUntil
	}
	if update.TwoFactor != nil {
		u.TwoFactorEnabled = update.TwoFactor.Enabled
		u.TwoFactorSecret = update.TwoFactor.Secret
	}
	if update.BackupCodes != nil {
		u.BackupCodes = append([]string(nil), (*update.BackupCodes)...)
	}
	if update.TrustedDevices != nil {
		u.TrustedDevices = append([]repository.TrustedDevice(nil), (*update.TrustedDevices)...)
	}
	u.UpdatedAt = m.now()
	return nil
}

func (m *mockUserRepository) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.LastLoginAt = &at
	return nil
}

func (m *mockUserRepository) BeginTwoFactorSetup(_ context.Context, id uuid.UUID, secret string, backupCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TwoFactorEnabled {
		return repository.ErrTwoFactorConflict
	}
	u.TwoFactorSecret = &secret
	u.BackupCodes = append([]string(nil), backupCodes...)
	return nil
}

func (m *mockUserRepository) EnableTwoFactor(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TwoFactorSecret == nil || u.TwoFactorEnabled {
		return repository.ErrTwoFactorConflict
	}
	u.TwoFactorEnabled = true
	return nil
}

func (m *mockUserRepository) ConsumeBackupCode(_ context.Context, id uuid.UUID, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, nil
	}
	for i, h := range u.BackupCodes {
		if h == codeHash {
			u.BackupCodes = append(u.BackupCodes[:i:i], u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserRepository) AddTrustedDevice(_ context.Context, id uuid.UUID, device repository.TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.TrustedDevices = append(u.TrustedDevices, device)
	return nil
}

// stored returns the current row for id without copying
func (m *mockUserRepository) lastEmailLookup() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.emailLookups) == 0 {
		return ""
	}
	return m.emailLookups[len(m.emailLookups)-1]
}

func (m *mockUserRepository) stored(id uuid.UUID) *repository.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

// mockSessionRepository keeps sessions in insertion order
type mockSessionRepository struct {
	mu       sync.Mutex
	sessions []*repository.Session
}

func (m *mockSessionRepository) Create(_ context.Context, session *repository.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session.ID = uuid.New()
	session.LastActivity = session.CreatedAt
	session.Active = true
	c := *session
	m.sessions = append(m.sessions, &c)
	return nil
}

func (m *mockSessionRepository) GetActiveByTokenHash(_ context.Context, tokenHash string) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash && s.Active {
			c := *s
			return &c, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (m *mockSessionRepository) CountActiveByUser(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepository) DeactivateOldestForUser(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *repository.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active && (oldest == nil || s.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = s
		}
	}
	if oldest == nil {
		return repository.ErrSessionNotFound
	}
	oldest.Active = false
	return nil
}

func (m *mockSessionRepository) Deactivate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			s.Active = false
			return nil
		}
	}
	return repository.ErrSessionNotFound
}

func (m *mockSessionRepository) DeactivateByTokenHash(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash && s.Active {
			s.Active = false
			return nil
		}
	}
	return repository.ErrSessionNotFound
}

func (m *mockSessionRepository) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			s.LastActivity = at
		}
	}
	return nil
}

func (m *mockSessionRepository) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sessions[:0]
	var n int64
	for _, s := range m.sessions {
		if s.ExpiresAt.Before(before) || (!s.Active && s.LastActivity.Before(before)) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.sessions = kept
	return n, nil
}

func (m *mockSessionRepository) activeFor(userID uuid.UUID) []repository.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	return out
}

// mockLoginRepository is an in-memory failed-login ledger and login history
type mockLoginRepository struct {
	mu      sync.Mutex
	nextID  int64
	failed  []repository.FailedLoginAttempt
	history []repository.LoginRecord
}

func (m *mockLoginRepository) RecordFailedAttempt(_ context.Context, email, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.failed = append(m.failed, repository.FailedLoginAttempt{
		ID:          m.nextID,
		Email:       strings.ToLower(email),
		IPAddress:   ip,
		AttemptedAt: at,
	})
	return nil
}

func (m *mockLoginRepository) CountFailedAttempts(_ context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.failed {
		if f.Email == strings.ToLower(email) && !f.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockLoginRepository) RecordLogin(_ context.Context, record *repository.LoginRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	record.ID = m.nextID
	m.history = append(m.history, *record)
	return nil
}

func (m *mockLoginRepository) ListFailedAttemptsBefore(_ context.Context, before time.Time, limit int) ([]repository.FailedLoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.FailedLoginAttempt
	for _, f := range m.failed {
		if f.AttemptedAt.Before(before) && len(out) < limit {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockLoginRepository) DeleteFailedAttempts(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.failed[:0]
	var n int64
	for _, f := range m.failed {
		if drop[f.ID] {
			n++
			continue
		}
		kept = append(kept, f)
	}
	m.failed = kept
	return n, nil
}

// recordingAudit captures audit entries
type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(_ context.Context, entry audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func (r *recordingAudit) last(action string) (audit.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Action == action {
			return r.entries[i], true
		}
	}
	return audit.Entry{}, false
}

// testEnv wires an AuthService to in-memory repositories and one clock
type testEnv struct {
	clock    *fakeClock
	users    *mockUserRepository
	sessions *mockSessionRepository
	logins   *mockLoginRepository
	audit    *recordingAudit
	tokens   *TokenService
	totp     *TOTPEngine
	svc      *AuthService
}

func newTestEnv() *testEnv {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	env := &testEnv{
		clock:    clock,
		users:    newMockUserRepository(clock.Now),
		sessions: &mockSessionRepository{},
		logins:   &mockLoginRepository{},
		audit:    &recordingAudit{},
		tokens:   newTestTokenService(clock),
	}
	hasher := NewPasswordHasher(bcrypt.MinCost, 4)
	env.totp = NewTOTPEngine("ServerCraft", hasher)
	env.svc = NewAuthService(Deps{
		Users:           env.users,
		Tokens:          env.tokens,
		Hasher:          hasher,
		Policy:          NewPasswordValidator(),
		TOTP:            env.totp,
		Devices:         NewTrustedDeviceRegistry(DefaultTrustedDeviceTTL),
		Lockout:         NewLockoutGuard(env.users, env.logins, LockoutConfig{}, clock.Now, nil),
		Sessions:        NewSessionManager(env.sessions, DefaultMaxSessionsPerUser, DefaultSessionTTL, clock.Now, nil),
		Audit:           env.audit,
		BackupCodeCount: 4,
		Now:             clock.Now,
	})
	return env
}
