// Package health provides the liveness, readiness and dependency health
// endpoints of the panel API.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// ServiceStatus represents the status of a single dependency
type ServiceStatus struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Latency  string `json:"latency,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function such as (*sqlx.DB).PingContext to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds health handler configuration
type Config struct {
	// DB is the primary store. A panel without it cannot authenticate anyone.
	DB Pinger
	// AuditDB is optional. An unreachable audit store is reported but does
	// not fail readiness.
	AuditDB Pinger
	// RedisClient is optional. Rate limiting fails open without it.
	RedisClient redis.UniversalClient
	Version     string
	Timeout     time.Duration // Default: 5 seconds
}

type probe struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

// Handler handles health check requests
type Handler struct {
	db      Pinger
	probes  []probe
	version string
	timeout time.Duration
	ready   atomic.Bool
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	h := &Handler{
		db:      cfg.DB,
		version: cfg.Version,
		timeout: timeout,
	}
	h.probes = append(h.probes, probe{name: "database", critical: true, ping: h.pingDatabase})
	if cfg.AuditDB != nil {
		h.probes = append(h.probes, probe{name: "audit_database", ping: cfg.AuditDB.Ping})
	}
	if cfg.RedisClient != nil {
		rdb := cfg.RedisClient
		h.probes = append(h.probes, probe{name: "redis", ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the service. The server flips it off
// at the start of graceful shutdown.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	return h.ready.Load()
}

// Health probes every dependency concurrently. The overall status is
// "unhealthy" (503) when a critical dependency is down and "degraded" (200)
// when only optional ones are.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := h.runProbes(ctx)
	overall := "healthy"
	for _, s := range services {
		if s.Status == StatusUp {
			continue
		}
		if s.Critical {
			overall = "unhealthy"
			break
		}
		overall = "degraded"
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: now(),
		Services:  services,
		Version:   h.version,
	})
}

// Readiness handles the readiness probe endpoint. Only the primary database
// is consulted.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady() && h.pingDatabase(ctx) == nil

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadinessResponse{Ready: ready, Timestamp: now()})
}

// Liveness handles the liveness probe endpoint
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Alive: true, Timestamp: now()})
}

func (h *Handler) runProbes(ctx context.Context) map[string]ServiceStatus {
	var (
		mu       sync.Mutex
		services = make(map[string]ServiceStatus, len(h.probes))
		g        errgroup.Group
	)
	for _, p := range h.probes {
		g.Go(func() error {
			start := time.Now()
			err := p.ping(ctx)
			s := ServiceStatus{Status: StatusUp, Critical: p.critical, Latency: time.Since(start).String()}
			if err != nil {
				s.Status = StatusDown
				s.Error = err.Error()
			}
			mu.Lock()
			services[p.name] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return services
}

type notConfiguredError struct{}

func (notConfiguredError) Error() string { return "database pool not configured" }

func (h *Handler) pingDatabase(ctx context.Context) error {
	if h.db == nil {
		return notConfiguredError{}
	}
	return h.db.Ping(ctx)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
