package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrator applies embedded SQL migrations with golang-migrate.
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// NewMigrator prepares a migrator reading files from source. dsn is the
// regular postgres:// connection string.
func NewMigrator(source fs.FS, dsn string, logger *slog.Logger) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := iofs.New(source, ".")
	if err != nil {
		return nil, fmt.Errorf("platform/db: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrateURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("platform/db: migrate init: %w", err)
	}
	return &Migrator{migrate: m, logger: logger}, nil
}

// MigrateURL rewrites a postgres DSN to the pgx5 scheme registered by the
// golang-migrate pgx driver.
func MigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Up applies every pending migration.
func (m *Migrator) Up() error {
	err := m.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("migrations up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("platform/db: migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	m.logger.Info("migrations applied", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// Down rolls back n migrations. n <= 0 rolls back everything.
func (m *Migrator) Down(n int) error {
	var err error
	if n <= 0 {
		err = m.migrate.Down()
	} else {
		err = m.migrate.Steps(-n)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("platform/db: migrate down: %w", err)
	}
	m.logger.Info("migrations rolled back", slog.Int("steps", n))
	return nil
}

// Version reports the applied version. A fresh database reports 0.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("platform/db: migrate version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}
