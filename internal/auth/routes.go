package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RouteLimits holds the per-route rate limiting middleware. A nil entry
// leaves that route unthrottled.
type RouteLimits struct {
	Login     Middleware
	Register  Middleware
	Refresh   Middleware
	TwoFactor Middleware
}

// RegisterRoutes registers all authentication routes with the Chi router
// Public routes: /register, /login, /refresh
// Protected routes: /logout, /me, /2fa/*
func RegisterRoutes(r chi.Router, handler *AuthHandler, authMiddleware Middleware, limits RouteLimits) {
	r.Route("/auth", func(r chi.Router) {
		// Public routes (no authentication required)
		r.With(optional(limits.Register)).Post("/register", handler.Register)
		r.With(optional(limits.Login)).Post("/login", handler.Login)
		r.With(optional(limits.Refresh)).Post("/refresh", handler.Refresh)

		// Protected routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/logout", handler.Logout)
			r.Get("/me", handler.GetMe)

			r.Route("/2fa", func(r chi.Router) {
				r.Use(optional(limits.TwoFactor))
				r.Post("/setup", handler.SetupTwoFactor)
				r.Post("/enable", handler.EnableTwoFactor)
				r.Post("/disable", handler.DisableTwoFactor)
				r.Post("/verify", handler.VerifyTwoFactor)
				r.Get("/backup-codes", handler.RegenerateBackupCodes)
				r.Get("/status", handler.TwoFactorStatus)
				r.Delete("/trusted-devices", handler.ClearTrustedDevices)
			})
		})
	})
}

func optional(m Middleware) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m
}
