// Package storage defines where exported record batches are written. The
// implementations live in subpackages: local files, Google Cloud Storage, and
// an in-memory store for tests.
package storage

import (
	"context"
	"io"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}
