// Package storage defines the blob storage abstraction used to archive raw
// item payloads. Implementations live in the gcs, local and memory
// subpackages.
package storage

import (
	"context"
	"io"
)

// BlobStore saves an object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
