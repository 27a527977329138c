package storage

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// DefaultMigrationsSource is where migrations live relative to the repository root.
const DefaultMigrationsSource = "file://migrations"

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return store, nil
}

// MigrateUp applies every pending migration from source. It is a no-op when
// the schema is current.
func MigrateUp(dbConnStr, source string) error {
	if source == "" {
		source = DefaultMigrationsSource
	}
	m, err := migrate.New(source, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "initialize migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// MigrateDown reverts the given number of migrations.
func MigrateDown(dbConnStr, source string, steps int) error {
	if source == "" {
		source = DefaultMigrationsSource
	}
	m, err := migrate.New(source, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "initialize migrations")
	}
	defer m.Close()
	if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "revert migrations")
	}
	return nil
}
