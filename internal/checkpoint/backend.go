package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by backends when no checkpoint exists for an ID.
var ErrNotFound = errors.New("checkpoint not found")

// ErrVersionConflict is returned when an optimistic update loses the race:
// the stored version no longer matches the caller's.
var ErrVersionConflict = errors.New("checkpoint version conflict")

// Backend is one persistence location for checkpoint records. The store
// writes every record to all enabled backends; any single backend is enough
// to recover a run.
type Backend interface {
	Name() string

	// Save persists a new record.
	Save(ctx context.Context, rec *Record) error

	// Update persists changed counters and state for an existing record,
	// guarded by the expected version.
	Update(ctx context.Context, rec *Record, expectedVersion int64) error

	// Load retrieves a record by ID. The record's state blob is returned
	// unverified; the store checks integrity before exposing it.
	Load(ctx context.Context, id string) (*Record, error)

	// List returns records for a session, newest first. An empty
	// entityType matches all entity types.
	List(ctx context.Context, sessionID, entityType string) ([]*Record, error)

	// Delete removes a record by ID. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes records created before the cutoff and
	// reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Stats summarizes backend usage.
	Stats(ctx context.Context) (BackendStats, error)

	Close() error
}
