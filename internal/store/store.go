package store

import (
	"context"
	"errors"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// ErrNotFound is returned by Remove when the batch was never persisted.
// Callers treat it as success: cleanup is idempotent.
var ErrNotFound = errors.New("batch not found in store")

// Store persists batches that are awaiting retry so they survive a crash or
// restart. Each call must be crash-atomic: after a crash a batch is either
// fully present or fully absent, never partial.
//
// The bolt implementation is in bolt_store.go, the PostgreSQL one in
// pg_store.go. Tests use a hand-written mock (mock.go).
type Store interface {
	// Append persists b, replacing any previous record with the same ID.
	// Replacement is what keeps the attempt counter current across retries.
	Append(ctx context.Context, b *domain.Batch) error

	// LoadAll returns every persisted batch. Called once at startup,
	// before the pipeline accepts fresh submissions.
	LoadAll(ctx context.Context) ([]*domain.Batch, error)

	// Remove deletes the batch with the given ID.
	Remove(ctx context.Context, batchID string) error

	Close() error
}
