// Package reaper periodically deletes session and failed-login rows that can
// no longer affect an authentication decision.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/servercraft/panel/internal/metrics"
	"github.com/servercraft/panel/internal/repository"
)

// Config holds configuration for the reaper job
type Config struct {
	Interval time.Duration
	// SessionGrace keeps expired or revoked sessions this long before deletion.
	SessionGrace time.Duration
	// FailedLoginRetention must be at least the lockout lookback window.
	FailedLoginRetention time.Duration
	BatchSize            int
	Enabled              bool
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:             time.Hour,
		SessionGrace:         24 * time.Hour,
		FailedLoginRetention: 7 * 24 * time.Hour,
		BatchSize:            1000,
		Enabled:              true,
	}
}

// SessionPurger deletes stale sessions
type SessionPurger interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// FailedLoginPurger lists and deletes old failed-login rows
type FailedLoginPurger interface {
	ListFailedAttemptsBefore(ctx context.Context, before time.Time, limit int) ([]repository.FailedLoginAttempt, error)
	DeleteFailedAttempts(ctx context.Context, ids []int64) (int64, error)
}

// Archiver stores rows before they are deleted
type Archiver interface {
	PutJSONL(ctx context.Context, kind string, records []any) (string, error)
}

// Result holds the result of a reaper run
type Result struct {
	StartTime           time.Time
	EndTime             time.Time
	SessionsDeleted     int64
	FailedLoginsDeleted int64
	ArchiveKeys         []string
	Errors              []string
}

// Job runs the purge on an interval
type Job struct {
	sessions SessionPurger
	logins   FailedLoginPurger
	archive  Archiver
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastResult *Result
}

// New creates a reaper job. archive may be nil, in which case failed-login
// rows are deleted without a copy.
func New(sessions SessionPurger, logins FailedLoginPurger, archive Archiver, config Config, log *slog.Logger) *Job {
	if log == nil {
		log = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &Job{
		sessions: sessions,
		logins:   logins,
		archive:  archive,
		config:   config,
		logger:   log,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic job
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("reaper is already running")
	}

	if !j.config.Enabled {
		j.logger.Info("Reaper is disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(1)

	go j.run()

	j.logger.Info("Reaper started",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("session_grace", j.config.SessionGrace),
		slog.Duration("failed_login_retention", j.config.FailedLoginRetention),
	)
	return nil
}

// Stop stops the periodic job and waits for an in-flight run
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("Reaper stopped")
}

// IsRunning returns whether the job is running
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastResult returns the result of the last run
func (j *Job) LastResult() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *Job) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), j.config.Interval)
			j.RunOnce(ctx)
			cancel()
		case <-j.stopChan:
			return
		}
	}
}

// RunOnce performs a single purge and records its result
func (j *Job) RunOnce(ctx context.Context) *Result {
	now := j.now()
	result := &Result{StartTime: now}

	deleted, err := j.sessions.DeleteStale(ctx, now.Add(-j.config.SessionGrace))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to delete stale sessions: %v", err))
	}
	result.SessionsDeleted = deleted
	metrics.ReaperPurgedTotal.WithLabelValues("sessions").Add(float64(deleted))

	j.purgeFailedLogins(ctx, now.Add(-j.config.FailedLoginRetention), result)

	result.EndTime = j.now()

	j.mu.Lock()
	j.lastResult = result
	j.mu.Unlock()

	level := slog.LevelInfo
	if len(result.Errors) > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "Reaper run completed",
		slog.Int64("sessions_deleted", result.SessionsDeleted),
		slog.Int64("failed_logins_deleted", result.FailedLoginsDeleted),
		slog.Int("archives", len(result.ArchiveKeys)),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
	)
	return result
}

// purgeFailedLogins deletes ledger rows older than cutoff one batch at a
// time. A batch that cannot be archived is left in place.
func (j *Job) purgeFailedLogins(ctx context.Context, cutoff time.Time, result *Result) {
	for {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "context cancelled during failed-login purge")
			return
		}

		rows, err := j.logins.ListFailedAttemptsBefore(ctx, cutoff, j.config.BatchSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to list failed logins: %v", err))
			return
		}
		if len(rows) == 0 {
			return
		}

		if j.archive != nil {
			records := make([]any, len(rows))
			for i := range rows {
				records[i] = rows[i]
			}
			key, err := j.archive.PutJSONL(ctx, "failed_logins", records)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to archive failed logins: %v", err))
				return
			}
			result.ArchiveKeys = append(result.ArchiveKeys, key)
		}

		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		n, err := j.logins.DeleteFailedAttempts(ctx, ids)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to delete failed logins: %v", err))
			return
		}
		result.FailedLoginsDeleted += n
		metrics.ReaperPurgedTotal.WithLabelValues("failed_logins").Add(float64(n))

		if len(rows) < j.config.BatchSize {
			return
		}
	}
}
