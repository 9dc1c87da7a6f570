// Package storage keeps summary documents on local disk or in an
// S3-compatible bucket behind one interface.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound reports a missing document.
var ErrObjectNotFound = errors.New("object not found")

// DocumentStore persists opaque documents addressed by key.
type DocumentStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
