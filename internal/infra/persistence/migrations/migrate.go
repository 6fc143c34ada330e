// Package migrations wires golang-migrate execution for Weaver's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/5TFG4/Weaver-sub002/db/migrations"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the embedded migrations are applied to the Postgres instance
// reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	return run(ctx, dsn, "embedded", embeddedBuilder(), migrateUp(), logger)
}

// ApplyDir ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. Used when operators override the
// bundled SQL.
func ApplyDir(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, resolvedDir, dirBuilder(resolvedDir), migrateUp(), logger)
}

// Rollback reverts up to steps embedded migrations against dsn.
func Rollback(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return run(ctx, dsn, "embedded", embeddedBuilder(), migrateSteps(-steps), logger)
}

// RollbackDir reverts up to steps migrations located at migrationsDir.
func RollbackDir(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, resolvedDir, dirBuilder(resolvedDir), migrateSteps(-steps), logger)
}

type builderFunc func(database.Driver) (*migrate.Migrate, error)

func embeddedBuilder() builderFunc {
	return func(driver database.Driver) (*migrate.Migrate, error) {
		source, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", source, "pgx5", driver)
	}
}

func dirBuilder(resolvedDir string) builderFunc {
	sourceURL := fileURL(resolvedDir)
	return func(driver database.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
}

type migrateOp struct {
	name string
	exec func(*migrate.Migrate) error
}

func migrateUp() migrateOp {
	return migrateOp{name: "up", exec: func(m *migrate.Migrate) error { return m.Up() }}
}

func migrateSteps(n int) migrateOp {
	return migrateOp{name: "steps", exec: func(m *migrate.Migrate) error { return m.Steps(n) }}
}

func run(ctx context.Context, dsn, sourceName string, build builderFunc, op migrateOp, logger *log.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := build(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: op=%s source=%s", op.name, sourceName)
	}

	if err := op.exec(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", sourceName)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", sourceName)
		return fmt.Errorf("apply migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", sourceName)

	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("weaver_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("result", result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
