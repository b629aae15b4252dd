// Package store defines the aggregate persistence interface. The job
// package defines the transition contract; the composite Store adds
// backend lifecycle. Backends: Memory, SQLite, Redis, and Postgres
// (via Bun).
package store

import (
	"context"

	"github.com/typefold/typeset/job"
)

// Store is the aggregate persistence interface a backend implements.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
