// Package middleware provides the HTTP middleware of the panel API: bearer
// authentication with session checks, role gating, per-route rate limiting
// and structured request logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/servercraft/panel/internal/logger"
)

// StructuredLogger returns a request logger that replaces chi's default
// middleware.Logger. The chi request ID becomes the correlation ID seen by
// downstream loggers. Query strings are never logged since they can carry
// tokens. Probe and scrape endpoints are logged at debug level.
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())
			r = r.WithContext(logger.SetCorrelationID(r.Context(), requestID))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level, msg := requestLevel(r.URL.Path, status)
			log.LogAttrs(context.Background(), level, msg,
				slog.String("correlation_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			)
		})
	}
}

func requestLevel(path string, status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "request failed"
	case status >= 400:
		return slog.LevelWarn, "request rejected"
	case path == "/metrics" || strings.HasPrefix(path, "/health"):
		return slog.LevelDebug, "probe served"
	default:
		return slog.LevelInfo, "request served"
	}
}
