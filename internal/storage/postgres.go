// Package storage opens the PostgreSQL handle, applies schema migrations at
// startup, and classifies storage faults so write paths can pick the right
// retry policy.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

// Open connects to PostgreSQL, verifies the connection, and configures the
// pool for a long-lived server process.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return db, nil
}

// Migrate applies all pending migrations from dir against db. A no-change
// run is not an error.
func Migrate(db *sql.DB, dir string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("storage: migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("storage: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("storage: migrate version: %w", err)
	}
	log.Printf("storage: schema at version %d (dirty=%v)", version, dirty)
	return nil
}

// IsTransient reports whether err looks like a connectivity fault (network
// error, connection refused, admin shutdown) rather than a logic fault.
// Connectivity faults are worth a bounded retry; query faults are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions; 57P01-57P03: shutdown/crash states.
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return false
}
