// Package filecache implements the on-disk package cache: cache-key
// normalization, miss-triggered upstream fetch, and RFC 7232/7233
// conditional and range response building.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tzbkk/pacprism/pkg/fetchclient"
	"github.com/tzbkk/pacprism/pkg/storage"
)

const otelPackageName = "github.com/tzbkk/pacprism/pkg/filecache"

// ErrUpstreamUnavailable is returned when a cache miss could not be
// satisfied from the upstream.
var ErrUpstreamUnavailable = errors.New("file not cached and upstream fetch failed")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// FileCache serves package files from Store, fetching from upstream on miss.
type FileCache struct {
	store   storage.Store
	fetcher *fetchclient.Client

	group singleflight.Group
}

// New creates a FileCache backed by store, fetching misses through fetcher.
func New(store storage.Store, fetcher *fetchclient.Client) *FileCache {
	return &FileCache{store: store, fetcher: fetcher}
}

// NormalizeKey strips the leading slash from a request path, producing the
// store-relative cache key.
func NormalizeKey(requestPath string) string {
	return strings.TrimPrefix(requestPath, "/")
}

// IsCached reports whether path is present in the store.
func (fc *FileCache) IsCached(ctx context.Context, path string) bool {
	return fc.store.HasFile(ctx, NormalizeKey(path))
}

// ensure fetches path from upstream and stores it if not already cached.
// Concurrent misses for the same path share one fetch-and-store.
func (fc *FileCache) ensure(ctx context.Context, path string) error {
	key := NormalizeKey(path)

	if fc.store.HasFile(ctx, key) {
		return nil
	}

	_, err, _ := fc.group.Do(key, func() (interface{}, error) {
		if fc.store.HasFile(ctx, key) {
			return nil, nil
		}

		result, err := fc.fetcher.Fetch(ctx, path)
		if err != nil {
			return nil, err
		}
		defer result.Body.Close()

		if _, err := fc.store.PutFile(ctx, key, result.Body); err != nil {
			return nil, fmt.Errorf("error writing %q to store: %w", key, err)
		}

		return nil, nil
	})

	return err
}

// ETag returns the quoted entity tag for a file of the given size and
// modification time, in the spec's "<size>-<mtime_unix_seconds>" format.
func ETag(size int64, modTime time.Time) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%d-%d", size, modTime.Unix()))
}

// Serve writes the response for requestPath to w, handling cache miss
// (fetch-then-store), Range requests, and conditional requests, in that
// precedence order (Range > Conditional > Normal) when both are present.
func (fc *FileCache) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, requestPath string) {
	ctx, span := tracer.Start(
		ctx,
		"filecache.Serve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", requestPath)),
	)
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("path", requestPath).Logger()

	if err := fc.ensure(ctx, requestPath); err != nil {
		log.Error().Err(err).Msg("cache miss could not be satisfied from upstream")

		http.Error(w, "Failed to fetch file from upstream.", http.StatusBadGateway)

		return
	}

	key := NormalizeKey(requestPath)

	info, err := fc.store.StatFile(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("error stating cached file after ensure")
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	etag := ETag(info.Size, info.ModTime)
	lastModified := info.ModTime.UTC().Format(http.TimeFormat)

	rangeHeader := r.Header.Get("Range")

	if rangeHeader != "" {
		if br, ok := parseRange(rangeHeader, info.Size); ok {
			fc.serveRange(ctx, w, key, info, etag, lastModified, br, &log)

			return
		}

		// An invalid or unsatisfiable Range header silently falls back to a
		// full 200 response rather than a 416.
		fc.serveFull(ctx, w, key, info, etag, lastModified, &log)

		return
	}

	if notModified(r, etag, info.ModTime) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", lastModified)
		w.WriteHeader(http.StatusNotModified)

		return
	}

	fc.serveFull(ctx, w, key, info, etag, lastModified, &log)
}

func (fc *FileCache) serveFull(
	ctx context.Context,
	w http.ResponseWriter,
	key string,
	info storage.FileInfo,
	etag, lastModified string,
	log *zerolog.Logger,
) {
	_, body, err := fc.store.GetFile(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("error opening cached file")
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", lastModified)
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		log.Warn().Err(err).Msg("error writing response body")
	}
}

func notModified(r *http.Request, etag string, modTime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return inm == etag || inm == "*"
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err == nil && !modTime.Truncate(time.Second).After(t) {
			return true
		}
	}

	return false
}
