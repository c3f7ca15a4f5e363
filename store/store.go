// Package store defines the aggregate persistence interface. The pipeline
// and execution subsystems each define their own store interface; the
// composite Store composes them. Backends: Postgres, Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/pipeline"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, redis, memory) implements all of them.
type Store interface {
	pipeline.Store
	execution.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
