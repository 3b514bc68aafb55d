// Package s3 implements storage.Store on top of an S3-compatible object
// store via minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tzbkk/pacprism/pkg/storage"
)

const (
	otelPackageName = "github.com/tzbkk/pacprism/pkg/storage/s3"

	// s3NoSuchKey is the S3 error code for objects that don't exist.
	s3NoSuchKey = "NoSuchKey"
)

var (
	// ErrBucketRequired is returned if the bucket name is missing.
	ErrBucketRequired = errors.New("bucket name is required")

	// ErrEndpointRequired is returned if the endpoint is missing.
	ErrEndpointRequired = errors.New("endpoint is required")

	// ErrAccessKeyIDRequired is returned if the access key ID is missing.
	ErrAccessKeyIDRequired = errors.New("access key ID is required")

	// ErrSecretAccessKeyRequired is returned if the secret access key is missing.
	ErrSecretAccessKeyRequired = errors.New("secret access key is required")

	// ErrInvalidEndpointScheme is returned if the endpoint scheme is missing or invalid.
	ErrInvalidEndpointScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")

	// ErrBucketNotFound is returned if the specified bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config holds the configuration for S3 storage.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region (optional).
	Region string
	// Endpoint is the S3-compatible endpoint URL with scheme (http:// or https://).
	Endpoint string
	// AccessKeyID is the access key for authentication.
	AccessKeyID string
	// SecretAccessKey is the secret key for authentication.
	SecretAccessKey string
	// ForcePathStyle forces path-style addressing. Set true for MinIO and
	// other S3-compatible services; false for AWS S3 (default).
	ForcePathStyle bool
	// Prefix is an optional key prefix applied to every object this store
	// reads or writes, letting one bucket host multiple cache roots.
	Prefix string
	// Transport is the HTTP transport to use (optional, used for testing).
	Transport http.RoundTripper
}

// ValidateConfig validates the S3 configuration.
func ValidateConfig(cfg Config) error {
	if cfg.Bucket == "" {
		return ErrBucketRequired
	}

	if cfg.Endpoint == "" {
		return ErrEndpointRequired
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" {
		return ErrInvalidEndpointScheme
	}

	if cfg.AccessKeyID == "" {
		return ErrAccessKeyIDRequired
	}

	if cfg.SecretAccessKey == "" {
		return ErrSecretAccessKeyRequired
	}

	return nil
}

func isHTTPS(endpoint string) bool {
	return strings.HasPrefix(endpoint, "https://")
}

func endpointWithoutScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	return endpoint
}

// Store represents an S3 store and implements storage.Store.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a new S3 store with the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	useSSL := isHTTPS(cfg.Endpoint)
	endpoint := endpointWithoutScheme(cfg.Endpoint)

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating MinIO client: %w", err)
	}

	if err := testBucketAccess(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("error testing bucket access: %w", err)
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) key(p string) string {
	p = strings.TrimPrefix(p, "/")
	if s.prefix == "" {
		return path.Join("store", p)
	}

	return path.Join(s.prefix, "store", p)
}

// HasFile returns true if the store has the object at the given path.
func (s *Store) HasFile(ctx context.Context, p string) bool {
	key := s.key(p)

	_, span := tracer.Start(
		ctx,
		"s3.HasFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", p), attribute.String("key", key)),
	)
	defer span.End()

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})

	return err == nil
}

// StatFile returns metadata for the object at path without reading it.
func (s *Store) StatFile(ctx context.Context, p string) (storage.FileInfo, error) {
	key := s.key(p)

	_, span := tracer.Start(
		ctx,
		"s3.StatFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", p), attribute.String("key", key)),
	)
	defer span.End()

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return storage.FileInfo{}, storage.ErrNotFound
		}

		return storage.FileInfo{}, fmt.Errorf("error stating %q in S3: %w", key, err)
	}

	return storage.FileInfo{Size: info.Size, ModTime: info.LastModified}, nil
}

// GetFile returns the object size and an open reader for path.
// NOTE: The caller must close the returned io.ReadCloser!
func (s *Store) GetFile(ctx context.Context, p string) (int64, io.ReadCloser, error) {
	key := s.key(p)

	_, span := tracer.Start(
		ctx,
		"s3.GetFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", p), attribute.String("key", key)),
	)
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("error getting %q from S3: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return 0, nil, storage.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stating %q in S3: %w", key, err)
	}

	return info.Size, obj, nil
}

// PutFile uploads body to path. MinIO's multipart upload only exposes the
// final object once complete, so no separate temp-then-rename step is
// needed: a concurrent GetFile either sees the previous object or the new
// one, never a partial one.
func (s *Store) PutFile(ctx context.Context, p string, body io.Reader) (int64, error) {
	key := s.key(p)

	_, span := tracer.Start(
		ctx,
		"s3.PutFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", p), attribute.String("key", key)),
	)
	defer span.End()

	info, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		body,
		-1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return 0, fmt.Errorf("error putting %q to S3: %w", key, err)
	}

	return info.Size, nil
}

// DeleteFile removes the object at path.
func (s *Store) DeleteFile(ctx context.Context, p string) error {
	key := s.key(p)

	_, span := tracer.Start(
		ctx,
		"s3.DeleteFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", p), attribute.String("key", key)),
	)
	defer span.End()

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return storage.ErrNotFound
		}

		return fmt.Errorf("error checking if %q exists: %w", key, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("error deleting %q from S3: %w", key, err)
	}

	return nil
}

func testBucketAccess(ctx context.Context, client *minio.Client, bucket string) error {
	log := zerolog.Ctx(ctx)

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Msg("error checking bucket existence")

		return fmt.Errorf("error checking bucket existence: %w", err)
	}

	if !exists {
		log.Error().Str("bucket", bucket).Msg("bucket does not exist")

		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	return nil
}
