// Package postgres stores prediction runs in PostgreSQL. The schema is
// embedded and applied with golang-migrate, either on startup or through the
// migrate command.
package postgres

import (
	"context"
	"embed"
	stderrors "errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // lib/pq backed driver
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the embedded migration source.
func Migrations() (source.Driver, error) {
	d, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to open embedded migrations")
	}
	return d, nil
}

// Migrator applies the embedded schema over its own connection.
type Migrator struct {
	dbURL  string
	logger logging.Logger
}

// NewMigrator creates a Migrator for cfg.
func NewMigrator(cfg PostgresConfig, log logging.Logger) *Migrator {
	return NewMigratorWithURL(buildDSN(cfg), log)
}

// NewMigratorWithURL creates a Migrator for a postgres:// URL.
func NewMigratorWithURL(dbURL string, log logging.Logger) *Migrator {
	return &Migrator{dbURL: dbURL, logger: logging.OrNop(log).Named("migrate")}
}

func (mg *Migrator) run(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	src, err := Migrations()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, mg.dbURL)
	if err != nil {
		_ = src.Close()
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to create migrate instance")
	}
	defer m.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()
	return fn(m)
}

// Up applies every pending migration.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.run(ctx, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
			version, _, _ := m.Version()
			return errors.Wrapf(err, errors.ErrCodeDatabaseError, "failed to run migrations (current version: %d)", version)
		}
		version, dirty, err := m.Version()
		if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
			mg.logger.Warn("Failed to get migration version", logging.Err(err))
		}
		mg.logger.Info("Database migrations completed",
			logging.Int64("version", int64(version)),
			logging.Bool("dirty", dirty),
		)
		return nil
	})
}

// Rollback rolls back the given number of migrations.
func (mg *Migrator) Rollback(ctx context.Context, steps int) error {
	if steps <= 0 {
		return errors.Newf(errors.ErrCodeValidation, "steps must be greater than 0, got %d", steps)
	}
	return mg.run(ctx, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if stderrors.Is(err, migrate.ErrNoChange) {
				return errors.New(errors.ErrCodeValidation, "no migrations to roll back")
			}
			return errors.Wrapf(err, errors.ErrCodeDatabaseError, "failed to rollback %d step(s)", steps)
		}
		return nil
	})
}

// Status returns the applied version, 0 when none is.
func (mg *Migrator) Status(ctx context.Context) (version uint, dirty bool, err error) {
	err = mg.run(ctx, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if stderrors.Is(verr, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		if verr != nil {
			return errors.Wrap(verr, errors.ErrCodeDatabaseError, "failed to get migration version")
		}
		return nil
	})
	return version, dirty, err
}

// Force marks version as applied without running it, to recover from a
// dirty state.
func (mg *Migrator) Force(ctx context.Context, version int) error {
	return mg.run(ctx, func(m *migrate.Migrate) error {
		if err := m.Force(version); err != nil {
			return errors.Wrapf(err, errors.ErrCodeDatabaseError, "failed to force version %d", version)
		}
		return nil
	})
}
