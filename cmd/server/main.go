// Command server runs the panel's HTTP API: account authentication, second
// factor management and the admin security views.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/servercraft/panel/internal/audit"
	"github.com/servercraft/panel/internal/auth"
	"github.com/servercraft/panel/internal/config"
	"github.com/servercraft/panel/internal/health"
	"github.com/servercraft/panel/internal/logger"
	"github.com/servercraft/panel/internal/metrics"
	authmw "github.com/servercraft/panel/internal/middleware"
	"github.com/servercraft/panel/internal/reaper"
	"github.com/servercraft/panel/internal/repository"
	"github.com/servercraft/panel/internal/sanitizer"
	"github.com/servercraft/panel/internal/storage"
)

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup database connection
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dbPool.Close()

	// The audit store runs on sqlx over the same database
	auditDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open audit database handle", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer auditDB.Close()

	dbStats := metrics.NewDBStatsCollector(dbPool, auditDB.DB, log)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	loginRepo := repository.NewLoginRepository(dbPool)
	auditRepo := repository.NewAuditRepository(auditDB)

	// Initialize services
	now := func() time.Time { return time.Now().UTC() }

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		TempTokenExpiry:    cfg.JWT.TempTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	hasher := auth.NewPasswordHasher(cfg.Security.BcryptCost, cfg.Security.HashConcurrency)
	sessionManager := auth.NewSessionManager(sessionRepo, cfg.Security.MaxSessionsPerUser, cfg.Security.SessionTTL, now, log)
	lockout := auth.NewLockoutGuard(userRepo, loginRepo, auth.LockoutConfig{
		MaxFailedAttempts:   cfg.Security.MaxFailedAttempts,
		FailedAttemptWindow: cfg.Security.FailedAttemptWindow,
		LockoutDuration:     cfg.Security.LockoutDuration,
	}, now, log)

	authService := auth.NewAuthService(auth.Deps{
		Users:           userRepo,
		Tokens:          tokenService,
		Hasher:          hasher,
		Policy:          auth.NewPasswordValidator(),
		TOTP:            auth.NewTOTPEngine(cfg.Security.TOTPIssuer, hasher),
		Devices:         auth.NewTrustedDeviceRegistry(cfg.Security.TrustedDeviceTTL),
		Lockout:         lockout,
		Sessions:        sessionManager,
		Audit:           audit.NewRepositoryLogger(auditRepo, log),
		Sanitizer:       sanitizer.NewInputSanitizer(),
		BackupCodeCount: cfg.Security.BackupCodeCount,
		Logger:          log,
		Now:             now,
	})

	authHandler := auth.NewAuthHandler(authService, log)
	auditHandler := audit.NewHandler(auditRepo, log)
	authMiddleware := authmw.NewAuthMiddleware(tokenService, sessionManager, log)

	healthHandler := health.NewHandler(health.Config{
		DB:          dbPool,
		AuditDB:     health.PingFunc(auditDB.PingContext),
		RedisClient: redisClient,
		Version:     cfg.Server.Version,
	})

	limits, closeLimiters := setupRateLimits(cfg, redisClient, log)
	defer closeLimiters()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(authmw.StructuredLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, authMiddleware.Authenticate, limits)
		audit.RegisterRoutes(r, auditHandler, authMiddleware.Authenticate, authmw.RequireRole(repository.RoleAdmin))
	})

	// Background purge of expired sessions and old failed-login rows
	reaperJob, err := setupReaper(cfg, sessionRepo, loginRepo, log)
	if err != nil {
		log.Error("failed to set up reaper", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if reaperJob != nil {
		if err := reaperJob.Start(); err != nil {
			log.Error("failed to start reaper", slog.String("error", err.Error()))
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", slog.String("addr", srv.Addr), slog.String("version", cfg.Server.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	if reaperJob != nil {
		reaperJob.Stop()
	}

	log.Info("server stopped")
}

func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// setupRateLimits builds one limiter per configured route. The returned
// function releases limiter resources.
func setupRateLimits(cfg *config.Config, redisClient redis.UniversalClient, log *slog.Logger) (auth.RouteLimits, func()) {
	var limits auth.RouteLimits
	var closers []func()
	release := func() {
		for _, c := range closers {
			c()
		}
	}
	if !cfg.RateLimit.Enabled {
		return limits, release
	}

	build := func(route string) auth.Middleware {
		rl, ok := cfg.RateLimit.Routes[route]
		if !ok || rl.Requests <= 0 {
			return nil
		}
		var limiter authmw.Limiter
		if cfg.RateLimit.Backend == "redis" && redisClient != nil {
			limiter = authmw.NewRedisLimiter(redisClient, "panel:"+route, rl.Requests, rl.Window)
		} else {
			mem := authmw.NewMemoryLimiter(rl.Requests, rl.Window)
			closers = append(closers, mem.Close)
			limiter = mem
		}
		return authmw.NewRateLimiter(route, limiter, log).Handler
	}

	if cfg.RateLimit.Backend == "redis" && redisClient == nil {
		log.Warn("redis rate limit backend requested without REDIS_ADDR, using memory")
	}

	limits.Login = build(config.RouteLogin)
	limits.Register = build(config.RouteRegister)
	limits.Refresh = build(config.RouteRefresh)
	limits.TwoFactor = build(config.RouteTwoFactor)
	return limits, release
}

func setupReaper(cfg *config.Config, sessions reaper.SessionPurger, logins reaper.FailedLoginPurger, log *slog.Logger) (*reaper.Job, error) {
	if !cfg.Reaper.Enabled {
		return nil, nil
	}

	var archive reaper.Archiver
	if cfg.Storage.Enabled {
		store, err := storage.NewArchiveStore(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive store: %w", err)
		}
		archive = store
	}

	return reaper.New(sessions, logins, archive, reaper.Config{
		Interval:             cfg.Reaper.Interval,
		SessionGrace:         cfg.Reaper.SessionGrace,
		FailedLoginRetention: cfg.Reaper.FailedLoginRetention,
		BatchSize:            cfg.Reaper.BatchSize,
		Enabled:              true,
	}, log), nil
}
