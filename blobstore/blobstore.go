// Package blobstore abstracts durable storage for snapshots.
//
// Implementations must be safe for concurrent use. Put must be atomic:
// a reader never observes a partially written blob under its final name.
//
// Built-in implementations:
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem with atomic rename and mmap reads
//   - s3.Store: Amazon S3 with an optional DynamoDB commit pointer
//   - minio.Store: MinIO and other S3-compatible object stores
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a named blob does not exist.
var ErrNotFound = errors.New("blobstore: not found")

// BlobStore reads and writes named blobs.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a blob.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// Mappable is an optional interface for Blobs whose content is
// available as a byte slice without copying.
type Mappable interface {
	// Bytes returns the underlying bytes, valid until Close.
	Bytes() ([]byte, error)
}

// ReadAll returns the full content of a blob, using the zero-copy path
// when the implementation supports it.
func ReadAll(b Blob) ([]byte, error) {
	if m, ok := b.(Mappable); ok {
		data, err := m.Bytes()
		if err != nil {
			return nil, err
		}
		// Copy: the mapping dies with the blob handle.
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return io.ReadAll(io.NewSectionReader(b, 0, b.Size()))
}
