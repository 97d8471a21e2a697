// Package storage defines the Store interface that abstracts fngate persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/permission"
	"github.com/jkaninda/fngate/internal/simulation"
)

// Store is the persistence interface for fngate.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Sub-store accessors. The returned stores share one connection pool.
	Permissions() permission.Store
	TestResults() simulation.ResultStore
	Audit() audit.Store
	Approvals() approval.Store

	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	// DriverMemory keeps nothing across restarts.
	DriverMemory = "memory"
)
