// Package db stores the message journal in SQLite.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/migadu/mailbot/logger"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Journal is a SQLite backed record of sent and received messages.
type Journal struct {
	db   *sqlx.DB
	path string
}

// Open opens or creates the journal at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	sqlDB, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := migrateUp(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("Journal: opened", "path", path)
	return &Journal{db: sqlDB, path: path}, nil
}

func migrateUp(sqlDB *sqlx.DB) error {
	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}

	driver, err := sqlite.WithInstance(sqlDB.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply journal migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		logger.Debug("Journal: schema ready", "version", version, "dirty", dirty)
	}
	return nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Ping verifies the database is still usable.
func (j *Journal) Ping(ctx context.Context) error {
	var n int
	return j.db.GetContext(ctx, &n, "SELECT 1")
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Debugf("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
