// Package ingestion buffers documents and persists them to a destination collection in
// bounded batches.
//
// This package defines the Sink interface which represents what the ingestor needs from a
// destination, without depending on concrete implementations. The PostgreSQL and in-memory
// collections live in the internal/storage package.
package ingestion

import (
	"context"
	"errors"
)

var (
	// ErrCollectionConflict is returned when the destination already exists and the run
	// did not ask for it to be dropped.
	ErrCollectionConflict = errors.New("destination collection already exists")

	// ErrUniquenessViolation is returned when a batch carries a key the destination already
	// holds. It signals a bias collision or a replay and is never retried.
	ErrUniquenessViolation = errors.New("uniqueness constraint violated")

	// ErrIngestorClosed is returned when appending to a closed ingestor.
	ErrIngestorClosed = errors.New("ingestor is closed")
)

// Sink is one destination collection.
//
// Implementations must support:
//   - AppendBatch inserting every item in one request, all or nothing
//   - EnsureUnique creating the collection when missing, then the unique index on key
//   - uniqueness failures wrapped with ErrUniquenessViolation
type Sink[T any] interface {
	// Name identifies the collection in logs.
	Name() string

	// Exists reports whether the collection is already present in the destination.
	Exists(ctx context.Context) (bool, error)

	// DropIfExists removes the collection and its contents.
	DropIfExists(ctx context.Context) error

	// EnsureUnique creates the collection if needed and a uniqueness constraint on key.
	EnsureUnique(ctx context.Context, key string) error

	// AppendBatch inserts items in a single request and returns how many were written.
	// The slice is reused after the call returns and must not be retained.
	AppendBatch(ctx context.Context, items []T) (int, error)

	// Close releases the sink. It does not close a shared connection pool.
	Close() error
}
