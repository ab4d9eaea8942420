package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist. Implementations
// return errors satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// BlobStore holds immutable named blobs. Implementations must be safe for
// concurrent use.
type BlobStore interface {
	Open(ctx context.Context, name string) (Blob, error)
	// Put publishes data under name atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes name. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a blob.
type Blob interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	Size() int64
	Close() error
}
