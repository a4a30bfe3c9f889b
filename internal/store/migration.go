// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*
var migrationFiles embed.FS

// Migrate applies all pending schema migrations for the given driver
// against an already-open *sql.DB.
func Migrate(driver string, db *sql.DB) error {
	var m *migrate.Migrate
	var err error

	switch driver {
	case "sqlite3":
		drv, derr := sqlite3.WithInstance(db, &sqlite3.Config{})
		if derr != nil {
			return derr
		}
		src, serr := iofs.New(migrationFiles, "migrations/sqlite3")
		if serr != nil {
			return serr
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	case "postgres":
		drv, derr := postgres.WithInstance(db, &postgres.Config{})
		if derr != nil {
			return derr
		}
		src, serr := iofs.New(migrationFiles, "migrations/postgres")
		if serr != nil {
			return serr
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
	default:
		return fmt.Errorf("store: unsupported driver %q", driver)
	}
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
