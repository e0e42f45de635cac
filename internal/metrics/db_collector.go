package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector periodically copies connection pool statistics into the
// db gauges. The pgx pool serves the credential and session stores; the
// database/sql handle backs the sqlx audit store. Either may be nil.
type DBStatsCollector struct {
	pgxPool *pgxpool.Pool
	sqlDB   *sql.DB
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewDBStatsCollector creates a new database stats collector
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlDB:   sqlDB,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start samples once immediately and then on every interval until Stop.
func (c *DBStatsCollector) Start(interval time.Duration) {
	c.done.Add(1)
	go func() {
		defer c.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("db stats collector started", slog.Duration("interval", interval))
}

// Stop is safe to call more than once.
func (c *DBStatsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.done.Wait()
	})
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		recordPool("pgx", stat.AcquiredConns(), stat.IdleConns(), stat.MaxConns())
	}
	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		recordPool("audit", int32(stats.InUse), int32(stats.Idle), int32(stats.MaxOpenConnections))
	}
}

func recordPool(pool string, inUse, idle, limit int32) {
	DBConnections.WithLabelValues(pool, "in_use").Set(float64(inUse))
	DBConnections.WithLabelValues(pool, "idle").Set(float64(idle))
	DBMaxConnections.WithLabelValues(pool).Set(float64(limit))
}
