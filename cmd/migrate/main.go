// Command migrate applies the panel's SQL migrations with golang-migrate.
// Applied versions are tracked in schema_migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/servercraft/panel/internal/config"
	"github.com/servercraft/panel/internal/logger"
)

const usage = `Usage: migrate [options] <command> [arg]

Commands:
  up [N]     apply all pending migrations, or the next N
  down N     roll back the last N migrations
  goto V     migrate up or down to version V
  force V    mark version V as applied and clean, without running SQL
  version    print the current version

Connection flags default to the server's DB_* environment variables.

Options:
`

// runner holds what every command needs
type runner struct {
	dbURL          string
	migrationsPath string
	timeout        time.Duration
	log            *slog.Logger
}

func main() {
	db := config.DatabaseConfig{
		Host:     env("DB_HOST", "localhost"),
		Port:     env("DB_PORT", "5432"),
		User:     env("DB_USER", "postgres"),
		Password: env("DB_PASSWORD", ""),
		DBName:   env("DB_NAME", "servercraft"),
		SSLMode:  env("DB_SSLMODE", "disable"),
	}
	flag.StringVar(&db.Host, "db-host", db.Host, "database host")
	flag.StringVar(&db.Port, "db-port", db.Port, "database port")
	flag.StringVar(&db.User, "db-user", db.User, "database user")
	flag.StringVar(&db.DBName, "db-name", db.DBName, "database name")
	flag.StringVar(&db.SSLMode, "db-sslmode", db.SSLMode, "database SSL mode")
	path := flag.String("path", env("MIGRATIONS_PATH", "migrations"), "migrations directory")
	timeout := flag.Duration("timeout", 5*time.Minute, "connect and lock timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New(logger.Config{
		Level:  env("LOG_LEVEL", "info"),
		Format: env("LOG_FORMAT", "text"),
		Output: "stderr",
	})

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	r := &runner{
		dbURL:          db.URL(),
		migrationsPath: *path,
		timeout:        *timeout,
		log:            log,
	}
	if err := r.run(args[0], args[1:]); err != nil {
		log.Error("migration failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func (r *runner) run(cmd string, args []string) error {
	switch cmd {
	case "version":
		return r.version()
	case "up":
		n, err := optionalCount(args)
		if err != nil {
			return err
		}
		return r.apply("up", func(m *migrate.Migrate) error {
			if n > 0 {
				return m.Steps(n)
			}
			return m.Up()
		})
	case "down":
		// A bare "down" would drop every table of a live panel.
		n, err := requiredNumber(args, "down")
		if err != nil {
			return err
		}
		if n <= 0 {
			return errors.New("down requires a positive step count")
		}
		return r.apply("down", func(m *migrate.Migrate) error { return m.Steps(-n) })
	case "goto":
		v, err := requiredNumber(args, "goto")
		if err != nil {
			return err
		}
		return r.apply("goto", func(m *migrate.Migrate) error { return m.Migrate(uint(v)) })
	case "force":
		v, err := requiredNumber(args, "force")
		if err != nil {
			return err
		}
		return r.apply("force", func(m *migrate.Migrate) error { return m.Force(v) })
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (r *runner) version() error {
	m, err := r.open()
	if err != nil {
		return err
	}
	defer m.Close()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		r.log.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	r.log.Info("current version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
	return nil
}

// apply runs op and logs the version transition. ErrNoChange is not an error.
func (r *runner) apply(name string, op func(*migrate.Migrate) error) error {
	m, err := r.open()
	if err != nil {
		return err
	}
	defer m.Close()

	from, _, _ := m.Version()
	if err := op(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("nothing to do", slog.String("command", name), slog.Uint64("version", uint64(from)))
			return nil
		}
		return err
	}
	to, dirty, _ := m.Version()
	r.log.Info("migrated",
		slog.String("command", name),
		slog.Uint64("from", uint64(from)),
		slog.Uint64("to", uint64(to)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func (r *runner) open() (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	db, err := sql.Open("pgx", r.dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	abs, err := filepath.Abs(r.migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m.LockTimeout = r.timeout
	m.Log = migrateLogger{r.log}
	return m, nil
}

// migrateLogger routes golang-migrate's progress output through slog
type migrateLogger struct{ log *slog.Logger }

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return l.log.Enabled(context.Background(), slog.LevelDebug) }

func optionalCount(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid step count %q", args[0])
	}
	return n, nil
}

func requiredNumber(args []string, cmd string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s requires a number", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n, nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
