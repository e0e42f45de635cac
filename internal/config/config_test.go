package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_SECRET", "access-secret-for-tests-32-bytes")
	t.Setenv("JWT_REFRESH_SECRET", "refresh-secret-for-tests-32-byte")
	t.Setenv("CONFIG_FILE", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8*time.Hour, cfg.JWT.AccessTokenExpiry)
	require.Equal(t, 30*24*time.Hour, cfg.JWT.RefreshTokenExpiry)
	require.Equal(t, 5*time.Minute, cfg.JWT.TempTokenExpiry)
	require.Equal(t, 5, cfg.Security.MaxFailedAttempts)
	require.Equal(t, time.Hour, cfg.Security.FailedAttemptWindow)
	require.Equal(t, 15*time.Minute, cfg.Security.LockoutDuration)
	require.Equal(t, 3, cfg.Security.MaxSessionsPerUser)
	require.Equal(t, 30*24*time.Hour, cfg.Security.TrustedDeviceTTL)
	require.Equal(t, "ServerCraft", cfg.Security.TOTPIssuer)
	require.Equal(t, RouteLimit{Requests: 10, Window: time.Minute}, cfg.RateLimit.Routes[RouteLogin])
}

func TestLoadMissingSecrets(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", "")
	t.Setenv("JWT_REFRESH_SECRET", "")
	t.Setenv("CONFIG_FILE", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "JWT_ACCESS_SECRET")
	require.Contains(t, err.Error(), "JWT_REFRESH_SECRET")
}

func TestDurationEnvFormats(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", "90s", 90 * time.Second},
		{"bare minutes", "20", 20 * time.Minute},
		{"garbage falls back", "soon", time.Hour},
		{"empty falls back", "", time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			require.Equal(t, tt.want, getDurationEnv("TEST_DURATION", time.Hour))
		})
	}
}

func TestLoadFileOverlay(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "panel.toml")
	content := `
[security]
max_sessions_per_user = 5
totp_issuer = "Acme Hosting"

[rate_limit]
backend = "memory"

[rate_limit.routes.login]
requests = 3
window = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 5, cfg.Security.MaxSessionsPerUser)
	require.Equal(t, "Acme Hosting", cfg.Security.TOTPIssuer)
	// untouched keys keep their env defaults
	require.Equal(t, 15*time.Minute, cfg.Security.LockoutDuration)
	require.Equal(t, RouteLimit{Requests: 3, Window: 30 * time.Second}, cfg.RateLimit.Routes[RouteLogin])
	require.Equal(t, RouteLimit{Requests: 20, Window: time.Minute}, cfg.RateLimit.Routes[RouteRefresh])
}

func TestValidateRejectsRedisBackendWithoutAddr(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestDSNAndURL(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "panel", Password: "pw", DBName: "sc", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=panel password=pw dbname=sc sslmode=disable", d.DSN())
	require.Equal(t, "postgres://panel:pw@db:5432/sc?sslmode=disable", d.URL())
}
