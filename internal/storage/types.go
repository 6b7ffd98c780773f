package storage

import (
	"context"
	"errors"
	"time"

	"taskd/internal/job"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database at Path
//   - "memory": in-process map; Path is ignored
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API for job definitions.
type Store interface {
	// Create inserts def. A zero ID is assigned by the store; an explicit ID
	// that already exists fails with job.ErrConflict.
	Create(ctx context.Context, def job.Definition) (job.Definition, error)
	Get(ctx context.Context, id int64) (job.Definition, error)
	// List returns definitions ordered by id.
	List(ctx context.Context, offset, limit int) ([]job.Definition, error)
	ListRecurring(ctx context.Context) ([]job.Definition, error)
	// Update replaces the mutable fields of an existing definition. Run
	// statistics are left untouched.
	Update(ctx context.Context, def job.Definition) (job.Definition, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, id int64) (bool, error)
	// Reconcile re-fetches the definition, increments RunCount by one and
	// records the outcome, atomically. A missing row yields job.ErrNotFound.
	Reconcile(ctx context.Context, id int64, outcome job.Outcome, at time.Time) (job.Definition, error)
	Ping(ctx context.Context) error
	Close() error
}
