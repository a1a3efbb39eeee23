// Package artifact renders captured content into standalone documents
// and packages batches into archives, on top of a pluggable blob store.
package artifact

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an artifact has not been produced yet or
// was deleted.
var ErrNotFound = errors.New("artifact not found")

// Store reads and writes artifact blobs by name.
type Store interface {
	// Put writes data under name and returns the stored location URI.
	Put(ctx context.Context, name, contentType string, data io.Reader) (string, error)
	// Open streams a previously stored artifact.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}
