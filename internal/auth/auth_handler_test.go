package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	appctx "github.com/servercraft/panel/internal/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// bearerOnly stands in for the session-checking middleware: it accepts any
// valid access token.
func bearerOnly(tokens *TokenService) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims, err := tokens.ValidateAccessToken(token)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := appctx.WithIdentity(r.Context(), claims.Subject, claims.Email, claims.Role, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(env *testEnv, limits RouteLimits) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		RegisterRoutes(r, NewAuthHandler(env.svc, nil), bearerOnly(env.tokens), limits)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp testResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func TestHandler_RegisterLoginMe(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, RouteLimits{})

	rec, resp := do(t, h, http.MethodPost, "/api/auth/register", RegisterRequest{
		Email: "owner@example.com", Username: "owner", Password: testPassword,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec, resp = do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{
		Email: "owner@example.com", Password: testPassword,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result LoginResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	require.NotEmpty(t, result.AccessToken)

	// The client IP recorded for the login comes from RemoteAddr without the port.
	require.NotEmpty(t, env.logins.history)
	assert.Equal(t, "198.51.100.7", env.logins.history[len(env.logins.history)-1].IPAddress)

	rec, resp = do(t, h, http.MethodGet, "/api/auth/me", nil, result.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		User UserResponse `json:"user"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, "owner@example.com", me.User.Email)
	assert.Equal(t, "admin", me.User.Role)

	rec, _ = do(t, h, http.MethodPost, "/api/auth/logout", nil, result.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, RouteLimits{})
	register(t, env, "user@example.com")

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"malformed body", "/api/auth/login", "{not json", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing password", "/api/auth/login", map[string]string{"email": "user@example.com"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"wrong password", "/api/auth/login", LoginRequest{Email: "user@example.com", Password: "Wr0ng!Password"}, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"unknown email", "/api/auth/login", LoginRequest{Email: "nobody@example.com", Password: "Wr0ng!Password"}, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"duplicate register", "/api/auth/register", RegisterRequest{Email: "user@example.com", Username: "dup", Password: testPassword}, http.StatusConflict, "EMAIL_EXISTS"},
		{"bad refresh token", "/api/auth/refresh", RefreshRequest{RefreshToken: "nope"}, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"},
		{"empty refresh token", "/api/auth/refresh", map[string]string{}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := do(t, h, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			require.NotNil(t, resp.Error)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestHandler_ValidationDetails(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, RouteLimits{})

	rec, resp := do(t, h, http.MethodPost, "/api/auth/register", RegisterRequest{
		Email: "bad", Username: "ok-name", Password: "weak",
	}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.NotEmpty(t, resp.Error.Details["email"])
	assert.NotEmpty(t, resp.Error.Details["password"])
}

func TestHandler_LockedAccount(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, RouteLimits{})
	register(t, env, "user@example.com")

	for i := 0; i < DefaultMaxFailedAttempts; i++ {
		do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "user@example.com", Password: "Wr0ng!Password"}, "")
	}
	rec, resp := do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "user@example.com", Password: testPassword}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", resp.Error.Code)
}

func TestHandler_TwoFactorFlow(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, RouteLimits{})
	reg := register(t, env, "user@example.com")
	token := reg.AccessToken

	rec, resp := do(t, h, http.MethodPost, "/api/auth/2fa/setup", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var setup TwoFactorSetupResponse
	require.NoError(t, json.Unmarshal(resp.Data, &setup))
	require.NotEmpty(t, setup.Secret)

	rec, resp = do(t, h, http.MethodPost, "/api/auth/2fa/enable", TwoFactorEnableRequest{
		Token: wrongCode(t, setup.Secret, env.clock.Now()), Password: testPassword,
	}, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SECOND_FACTOR", resp.Error.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/auth/2fa/enable", TwoFactorEnableRequest{
		Token: codeAt(t, setup.Secret, env.clock.Now()), Password: testPassword,
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = do(t, h, http.MethodPost, "/api/auth/2fa/setup", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TWO_FACTOR_ALREADY_ENABLED", resp.Error.Code)

	rec, resp = do(t, h, http.MethodPost, "/api/auth/2fa/verify", TwoFactorVerifyRequest{
		Token: codeAt(t, setup.Secret, env.clock.Now()),
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &verify))
	assert.True(t, verify.Valid)

	rec, resp = do(t, h, http.MethodGet, "/api/auth/2fa/backup-codes", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var codes struct {
		BackupCodes []string `json:"backup_codes"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &codes))
	assert.Len(t, codes.BackupCodes, 4)

	rec, resp = do(t, h, http.MethodGet, "/api/auth/2fa/status", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var status TwoFactorStatus
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, 4, status.BackupCodesRemaining)

	rec, resp = do(t, h, http.MethodDelete, "/api/auth/2fa/trusted-devices", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &cleared))
	assert.Zero(t, cleared.Removed)

	rec, resp = do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "user@example.com", Password: testPassword}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending LoginResult
	require.NoError(t, json.Unmarshal(resp.Data, &pending))
	assert.True(t, pending.Requires2FA)
	assert.NotEmpty(t, pending.TempToken)

	rec, _ = do(t, h, http.MethodPost, "/api/auth/2fa/disable", TwoFactorDisableRequest{
		Password: testPassword, Token: codes.BackupCodes[0],
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ProtectedRoutesNeedToken(t *testing.T) {
	env := newTestEnv()
	h := newTestRouter(env, RouteLimits{})

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodGet, "/api/auth/me"},
		{http.MethodPost, "/api/auth/2fa/setup"},
		{http.MethodGet, "/api/auth/2fa/status"},
		{http.MethodDelete, "/api/auth/2fa/trusted-devices"},
	} {
		rec, _ := do(t, h, route.method, route.path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
	}
}

func TestRegisterRoutes_AppliesRouteLimits(t *testing.T) {
	env := newTestEnv()
	hits := map[string]int{}
	count := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits[name]++
				next.ServeHTTP(w, r)
			})
		}
	}
	h := newTestRouter(env, RouteLimits{Login: count("login"), Refresh: count("refresh")})

	do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "a@example.com", Password: "x"}, "")
	do(t, h, http.MethodPost, "/api/auth/refresh", RefreshRequest{RefreshToken: "x"}, "")
	do(t, h, http.MethodPost, "/api/auth/register", RegisterRequest{Email: "a@example.com", Username: "abc", Password: testPassword}, "")

	assert.Equal(t, map[string]int{"login": 1, "refresh": 1}, hits)
}
