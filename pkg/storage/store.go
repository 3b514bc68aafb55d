// Package storage defines the byte-storage abstraction behind the file
// cache. Two implementations exist: local (pkg/storage/local) and S3
// (pkg/storage/s3).
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the requested object does not exist in the store.
	ErrNotFound = errors.New("object not found in the store")

	// ErrAlreadyExists is returned when the object already exists in the store.
	ErrAlreadyExists = errors.New("object already exists in the store")
)

// FileInfo carries the metadata FileCache needs to build conditional and
// range responses without assuming the backing store is a local filesystem.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Store is the byte-storage backend behind the file cache. Paths are
// store-relative, slash-separated, and never contain "..": callers sanitize
// before calling.
type Store interface {
	// HasFile reports whether path exists in the store.
	HasFile(ctx context.Context, path string) bool

	// StatFile returns metadata for path without opening it.
	StatFile(ctx context.Context, path string) (FileInfo, error)

	// GetFile returns the file size and an open reader for path.
	// The caller must close the returned io.ReadCloser.
	GetFile(ctx context.Context, path string) (int64, io.ReadCloser, error)

	// PutFile stores body at path, replacing any existing content at path,
	// and returns the number of bytes written. Implementations MUST make the
	// write atomic: a concurrent HasFile/GetFile must never observe a
	// partially written file.
	PutFile(ctx context.Context, path string, body io.Reader) (int64, error)

	// DeleteFile removes path from the store.
	DeleteFile(ctx context.Context, path string) error
}
