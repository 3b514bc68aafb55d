// Package local implements storage.Store on top of a local filesystem
// directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tzbkk/pacprism/pkg/storage"
)

const (
	fileMode        = 0o400
	dirMode         = 0o700
	otelPackageName = "github.com/tzbkk/pacprism/pkg/storage/local"
)

var (
	// ErrPathMustBeAbsolute is returned if the given path to New was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given path to New did not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given path to New is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")

	// ErrPathMustBeWritable is returned if the given path to New is not writable.
	ErrPathMustBeWritable = errors.New("path must be writable")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store represents a local store and implements storage.Store.
type Store struct {
	path string
}

// New validates path and prepares it as a cache root.
func New(ctx context.Context, path string) (*Store, error) {
	if err := validatePath(ctx, path); err != nil {
		return nil, err
	}

	s := &Store{path: path}

	if err := s.setupDirs(); err != nil {
		return nil, fmt.Errorf("error setting up the store directory: %w", err)
	}

	return s, nil
}

// HasFile returns true if the store has the file at the given path.
func (s *Store) HasFile(ctx context.Context, path string) bool {
	filePath, err := s.sanitizePath(path)
	if err != nil {
		return false
	}

	_, span := tracer.Start(
		ctx,
		"local.HasFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.String("file_path", filePath),
		),
	)
	defer span.End()

	_, err = os.Stat(filePath)

	return err == nil
}

// StatFile returns metadata for the file at path without opening it.
func (s *Store) StatFile(ctx context.Context, path string) (storage.FileInfo, error) {
	filePath, err := s.sanitizePath(path)
	if err != nil {
		return storage.FileInfo{}, err
	}

	_, span := tracer.Start(
		ctx,
		"local.StatFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.String("file_path", filePath),
		),
	)
	defer span.End()

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.FileInfo{}, storage.ErrNotFound
		}

		return storage.FileInfo{}, fmt.Errorf("error stating the file %q: %w", filePath, err)
	}

	return storage.FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// GetFile returns the file from the store at the given path.
// NOTE: The caller must close the returned io.ReadCloser!
func (s *Store) GetFile(ctx context.Context, path string) (int64, io.ReadCloser, error) {
	filePath, err := s.sanitizePath(path)
	if err != nil {
		return 0, nil, err
	}

	_, span := tracer.Start(
		ctx,
		"local.GetFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.String("file_path", filePath),
		),
	)
	defer span.End()

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, storage.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stating the file %q: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, nil, fmt.Errorf("error opening the file %q: %w", filePath, err)
	}

	return info.Size(), f, nil
}

// PutFile puts the file in the store at the given path using a
// write-temp-then-rename sequence so concurrent readers never observe a
// partially written file.
func (s *Store) PutFile(ctx context.Context, path string, body io.Reader) (int64, error) {
	filePath, err := s.sanitizePath(path)
	if err != nil {
		return 0, err
	}

	_, span := tracer.Start(
		ctx,
		"local.PutFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.String("file_path", filePath),
		),
	)
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(filePath), dirMode); err != nil {
		return 0, fmt.Errorf("error creating the directories for %q: %w", filePath, err)
	}

	f, err := os.CreateTemp(s.storeTMPPath(), filepath.Base(path)+"-*")
	if err != nil {
		return 0, fmt.Errorf("error creating the temporary file: %w", err)
	}

	written, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(f.Name())

		return 0, fmt.Errorf("error writing to the temporary file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := os.Rename(f.Name(), filePath); err != nil {
		return 0, fmt.Errorf("error moving the file to %q: %w", filePath, err)
	}

	if err := os.Chmod(filePath, fileMode); err != nil {
		return 0, fmt.Errorf("error changing mode of %q: %w", filePath, err)
	}

	return written, nil
}

// DeleteFile deletes the file from the store at the given path.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	filePath, err := s.sanitizePath(path)
	if err != nil {
		return err
	}

	_, span := tracer.Start(
		ctx,
		"local.DeleteFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.String("file_path", filePath),
		),
	)
	defer span.End()

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}

		return fmt.Errorf("error deleting file %q: %w", filePath, err)
	}

	return nil
}

func (s *Store) storePath() string { return filepath.Join(s.path, "store") }

func (s *Store) sanitizePath(path string) (string, error) {
	// Sanitize path to prevent traversal.
	relativePath := strings.TrimPrefix(path, "/")
	filePath := filepath.Join(s.storePath(), relativePath)

	// Final check to ensure the path is within the store directory.
	if !strings.HasPrefix(filePath, s.storePath()) {
		return "", storage.ErrNotFound
	}

	return filePath, nil
}

func (s *Store) storeTMPPath() string { return filepath.Join(s.storePath(), "tmp") }

func (s *Store) setupDirs() error {
	// RemoveAll is safe to call on non-existent directories.
	if err := os.RemoveAll(s.storeTMPPath()); err != nil {
		return fmt.Errorf("error removing the temporary download directory: %w", err)
	}

	allPaths := []string{
		s.storePath(),
		s.storeTMPPath(),
	}

	for _, p := range allPaths {
		if err := os.MkdirAll(p, dirMode); err != nil {
			return fmt.Errorf("error creating the directory %q: %w", p, err)
		}
	}

	return nil
}

func validatePath(ctx context.Context, path string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(path) {
		log.Error().Str("path", path).Msg("path is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("path", path).Msg("path does not exist")

		return ErrPathMustExist
	}

	if !info.IsDir() {
		log.Error().Str("path", path).Msg("path is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(ctx, path) {
		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(ctx context.Context, path string) bool {
	log := zerolog.Ctx(ctx)

	tmpFile, err := os.CreateTemp(path, "write_test")
	if err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("error writing a temp file in the path")

		return false
	}

	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	return true
}
