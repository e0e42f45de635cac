package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	JWT       JWTConfig       `toml:"jwt"`
	Security  SecurityConfig  `toml:"security"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Storage   StorageConfig   `toml:"storage"`
	Reaper    ReaperConfig    `toml:"reaper"`
	CORS      CORSConfig      `toml:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `toml:"host"`
	Port            string        `toml:"port"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	Version         string        `toml:"version"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns"`
	MinConns int32  `toml:"min_conns"`
}

// RedisConfig holds Redis connection configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	AccessSecret       string        `toml:"access_secret"`
	RefreshSecret      string        `toml:"refresh_secret"`
	AccessTokenExpiry  time.Duration `toml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `toml:"refresh_token_expiry"`
	TempTokenExpiry    time.Duration `toml:"temp_token_expiry"`
	Issuer             string        `toml:"issuer"`
}

// SecurityConfig holds the lockout, session and two-factor parameters.
type SecurityConfig struct {
	MaxFailedAttempts   int           `toml:"max_failed_attempts"`
	FailedAttemptWindow time.Duration `toml:"failed_attempt_window"`
	LockoutDuration     time.Duration `toml:"lockout_duration"`
	MaxSessionsPerUser  int           `toml:"max_sessions_per_user"`
	SessionTTL          time.Duration `toml:"session_ttl"`
	TrustedDeviceTTL    time.Duration `toml:"trusted_device_ttl"`
	TOTPIssuer          string        `toml:"totp_issuer"`
	BackupCodeCount     int           `toml:"backup_code_count"`
	BcryptCost          int           `toml:"bcrypt_cost"`
	HashConcurrency     int           `toml:"hash_concurrency"`
}

// RouteLimit is a request ceiling for one route.
type RouteLimit struct {
	Requests int           `toml:"requests"`
	Window   time.Duration `toml:"window"`
}

// RateLimitConfig selects the limiter backend and per-route ceilings.
// Backend is "memory" or "redis".
type RateLimitConfig struct {
	Enabled bool                  `toml:"enabled"`
	Backend string                `toml:"backend"`
	Routes  map[string]RouteLimit `toml:"routes"`
}

// StorageConfig holds S3/MinIO configuration used for archiving purged records
type StorageConfig struct {
	Enabled         bool   `toml:"enabled"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UseSSL          bool   `toml:"use_ssl"`
	Prefix          string `toml:"prefix"`
}

// ReaperConfig controls the background hygiene job.
type ReaperConfig struct {
	Enabled              bool          `toml:"enabled"`
	Interval             time.Duration `toml:"interval"`
	SessionGrace         time.Duration `toml:"session_grace"`
	FailedLoginRetention time.Duration `toml:"failed_login_retention"`
	BatchSize            int           `toml:"batch_size"`
}

// CORSConfig holds allowed origins for the browser panel.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Route names used as keys in RateLimitConfig.Routes.
const (
	RouteLogin     = "login"
	RouteRegister  = "register"
	RouteRefresh   = "refresh"
	RouteTwoFactor = "two_factor"
)

// Load reads configuration from environment variables. When CONFIG_FILE is
// set, the TOML file at that path is decoded on top of the environment values.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			RequestTimeout:  getDurationEnv("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Version:         getEnv("APP_VERSION", "dev"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "servercraft"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getIntEnv("DB_MAX_CONNS", 50)),
			MinConns: int32(getIntEnv("DB_MIN_CONNS", 5)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			AccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  getDurationEnv("JWT_ACCESS_EXPIRY", 8*time.Hour),
			RefreshTokenExpiry: getDurationEnv("JWT_REFRESH_EXPIRY", 30*24*time.Hour),
			TempTokenExpiry:    getDurationEnv("JWT_TEMP_EXPIRY", 5*time.Minute),
			Issuer:             getEnv("JWT_ISSUER", "servercraft-panel"),
		},
		Security: SecurityConfig{
			MaxFailedAttempts:   getIntEnv("SECURITY_MAX_FAILED_ATTEMPTS", 5),
			FailedAttemptWindow: getDurationEnv("SECURITY_FAILED_ATTEMPT_WINDOW", time.Hour),
			LockoutDuration:     getDurationEnv("SECURITY_LOCKOUT_DURATION", 15*time.Minute),
			MaxSessionsPerUser:  getIntEnv("SECURITY_MAX_SESSIONS", 3),
			SessionTTL:          getDurationEnv("SECURITY_SESSION_TTL", 8*time.Hour),
			TrustedDeviceTTL:    getDurationEnv("SECURITY_TRUSTED_DEVICE_TTL", 30*24*time.Hour),
			TOTPIssuer:          getEnv("TOTP_ISSUER", "ServerCraft"),
			BackupCodeCount:     getIntEnv("SECURITY_BACKUP_CODE_COUNT", 10),
			BcryptCost:          getIntEnv("BCRYPT_COST", 12),
			HashConcurrency:     getIntEnv("HASH_CONCURRENCY", 4),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("RATE_LIMIT_ENABLED", true),
			Backend: getEnv("RATE_LIMIT_BACKEND", "memory"),
			Routes:  DefaultRouteLimits(),
		},
		Storage: StorageConfig{
			Enabled:         getBoolEnv("ARCHIVE_ENABLED", false),
			Endpoint:        getEnv("S3_ENDPOINT", "localhost:9000"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", "servercraft-audit"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY", ""),
			SecretAccessKey: getEnv("S3_SECRET_KEY", ""),
			UseSSL:          getBoolEnv("S3_USE_SSL", false),
			Prefix:          getEnv("ARCHIVE_PREFIX", "security-archive/"),
		},
		Reaper: ReaperConfig{
			Enabled:              getBoolEnv("REAPER_ENABLED", true),
			Interval:             getDurationEnv("REAPER_INTERVAL", time.Hour),
			SessionGrace:         getDurationEnv("REAPER_SESSION_GRACE", 24*time.Hour),
			FailedLoginRetention: getDurationEnv("REAPER_FAILED_LOGIN_RETENTION", 7*24*time.Hour),
			BatchSize:            getIntEnv("REAPER_BATCH_SIZE", 1000),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays values from a TOML file. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET is required"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.Security.MaxFailedAttempts <= 0 {
		errs = append(errs, errors.New("security.max_failed_attempts must be positive"))
	}
	if c.Security.MaxSessionsPerUser <= 0 {
		errs = append(errs, errors.New("security.max_sessions_per_user must be positive"))
	}
	if c.Security.FailedAttemptWindow <= 0 || c.Security.LockoutDuration <= 0 {
		errs = append(errs, errors.New("security lockout window and duration must be positive"))
	}
	if c.Security.SessionTTL <= 0 || c.Security.TrustedDeviceTTL <= 0 {
		errs = append(errs, errors.New("security session and trusted device TTLs must be positive"))
	}
	if c.Security.HashConcurrency <= 0 {
		errs = append(errs, errors.New("security.hash_concurrency must be positive"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("rate_limit.backend redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend))
	}
	for name, rl := range c.RateLimit.Routes {
		if rl.Requests <= 0 || rl.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.routes.%s needs positive requests and window", name))
		}
	}
	if c.Reaper.Enabled && c.Reaper.FailedLoginRetention < c.Security.FailedAttemptWindow {
		errs = append(errs, errors.New("reaper.failed_login_retention must cover the failed attempt window"))
	}
	return errors.Join(errs...)
}

// DefaultRouteLimits returns the per-route ceilings applied when no file
// overrides them.
func DefaultRouteLimits() map[string]RouteLimit {
	return map[string]RouteLimit{
		RouteLogin:     {Requests: 10, Window: time.Minute},
		RouteRegister:  {Requests: 5, Window: time.Minute},
		RouteRefresh:   {Requests: 20, Window: time.Minute},
		RouteTwoFactor: {Requests: 10, Window: time.Minute},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the connection string in URL form, as expected by golang-migrate
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Accepts Go duration strings ("90s", "8h") or a bare integer number of minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
