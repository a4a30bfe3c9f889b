// Copyright 2025 James Ross
package store

import (
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	connOnce sync.Once
	conn     *Store
)

// Store wraps a process-wide *sqlx.DB singleton. A single connection is
// shared by request-scoped front-end handlers and job-scoped worker calls
// alike; callers never open their own.
type Store struct {
	mu     sync.Mutex
	db     *sqlx.DB
	driver string
}

// Connect opens the singleton connection for the given driver/dsn. Only
// the first call in the process actually dials; later calls are no-ops
// and return the existing instance via Get.
func Connect(driver, dsn string) (*Store, error) {
	var err error
	connOnce.Do(func() {
		var dbHandle *sqlx.DB
		switch driver {
		case "sqlite3":
			dbHandle, err = sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", dsn))
			if err != nil {
				return
			}
			// sqlite does not tolerate concurrent writers; serialize on one conn.
			dbHandle.SetMaxOpenConns(1)
		case "postgres":
			dbHandle, err = sqlx.Open("postgres", dsn)
			if err != nil {
				return
			}
			dbHandle.SetMaxOpenConns(10)
			dbHandle.SetMaxIdleConns(10)
		default:
			err = fmt.Errorf("store: unsupported driver %q", driver)
			return
		}
		if pingErr := dbHandle.Ping(); pingErr != nil {
			err = pingErr
			return
		}
		conn = &Store{db: dbHandle, driver: driver}
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Get returns the already-initialized singleton. Panics if Connect was
// never called, matching the teacher's fail-fast posture on misuse.
func Get() *Store {
	if conn == nil {
		panic("store: Connect was never called")
	}
	return conn
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// OpenStandalone builds a *Store outside the process-wide singleton.
// Production code should always go through Connect/Get; this exists for
// tests (and other packages' tests) that need an isolated database per
// case rather than sharing the one connection a process gets.
func OpenStandalone(driver, dsn string) (*Store, error) {
	var dbHandle *sqlx.DB
	var err error
	switch driver {
	case "sqlite3":
		dbHandle, err = sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", dsn))
		if err == nil {
			dbHandle.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("store: unsupported test driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := dbHandle.Ping(); err != nil {
		return nil, err
	}
	return &Store{db: dbHandle, driver: driver}, nil
}
