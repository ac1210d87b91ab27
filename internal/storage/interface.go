package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store behind the dead-letter archive.
type ObjectStorage interface {
	// Upload writes key, replacing any existing object.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens key for reading. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Removing a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
