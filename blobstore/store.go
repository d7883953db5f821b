// Package blobstore abstracts where checkpoint artifacts live.
//
// A Store holds immutable named blobs. The training scheduler only ever
// writes whole checkpoints and reads them back wholesale, so the interface
// is deliberately small: atomic Put, random-access Open, Delete and a
// prefix List used to enumerate the checkpoints of a run.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for immutable blob storage.
type Store interface {
	// Put writes a blob atomically; a reader never observes a partial
	// blob under the final name.
	Put(ctx context.Context, name string, data []byte) error
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// ReadAll reads the full contents of a blob.
func ReadAll(b Blob) ([]byte, error) {
	data := make([]byte, b.Size())
	if _, err := b.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}
