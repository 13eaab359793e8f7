// Package storage defines the local tool-record store. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL (shared registries).
package storage

import (
	"context"

	"github.com/aemholland/e14z/internal/domain"
)

// ToolStore persists registry records imported by operators. It satisfies
// registry.Lookup so it can sit in front of the remote registry.
type ToolStore interface {
	Get(ctx context.Context, identifier string) (*domain.ToolRecord, error)
	// Put inserts or replaces the record with the same identifier.
	Put(ctx context.Context, rec *domain.ToolRecord) error
	List(ctx context.Context) ([]domain.ToolRecord, error)
	Delete(ctx context.Context, identifier string) error
}

// Store is the persistence interface shared by both drivers.
type Store interface {
	Tools() ToolStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
