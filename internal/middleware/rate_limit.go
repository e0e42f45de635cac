package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/servercraft/panel/internal/logger"
	"github.com/servercraft/panel/internal/metrics"
	"golang.org/x/time/rate"
)

// ErrLimiterUnavailable is returned when the limiter backend cannot answer.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether one more request for key fits its budget
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter is a per-key token bucket held in process memory. Each key
// may burst up to limit requests and refills at limit per window.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    int
	window   time.Duration
	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a MemoryLimiter and starts its idle-key sweeper.
// Call Close to stop the sweeper.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	l := newMemoryLimiter(limit, window, time.Now)
	go l.cleanup()
	return l
}

func newMemoryLimiter(limit int, window time.Duration, now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Allow consumes one token for key
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	d := Decision{Limit: l.limit}
	if b.limiter.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = int(b.limiter.TokensAt(now))
		return d, nil
	}

	r := b.limiter.ReserveN(now, 1)
	d.RetryAfter = r.DelayFrom(now)
	r.CancelAt(now)
	return d, nil
}

// Close stops the sweeper goroutine
func (l *MemoryLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// cleanup periodically drops keys idle for longer than a window, by which
// point their bucket is full again.
func (l *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// RedisLimiter is a fixed-window counter shared by every server instance.
type RedisLimiter struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter. prefix namespaces the keys of one
// route.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow increments the window counter for key
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := "ratelimit:" + l.prefix + ":" + key

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	// The first hit of a window sets its expiry.
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
	}

	d := Decision{Limit: l.limit}
	if count <= int64(l.limit) {
		d.Allowed = true
		d.Remaining = l.limit - int(count)
		return d, nil
	}

	ttl, err := l.redis.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	d.RetryAfter = ttl
	return d, nil
}

// RateLimiter applies a Limiter to one route, keyed by client IP.
type RateLimiter struct {
	route   string
	limiter Limiter
	logger  *slog.Logger
}

// NewRateLimiter creates a new rate limiting middleware for route
func NewRateLimiter(route string, limiter Limiter, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{route: route, limiter: limiter, logger: log}
}

// Handler rejects requests over budget with 429 TOO_MANY_REQUESTS. When the
// backend fails the request is let through and the failure logged.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := rl.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			logger.WithCorrelationID(r.Context(), rl.logger).Warn("Rate limiter unavailable, allowing request",
				slog.String("route", rl.route),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(rl.route).Inc()
			writeRateLimitError(w, d.RetryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientKey keys limits by the client address, which RealIP has already
// resolved from proxy headers.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeRateLimitError writes a 429 Too Many Requests response
func writeRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))

	writeErrorDetails(w, http.StatusTooManyRequests, "TOO_MANY_REQUESTS",
		"Rate limit exceeded. Please try again later.",
		map[string]interface{}{"retry_after": seconds},
	)
}
