// Package fetchclient fetches package files from the upstream mirror with
// bounded connect/read timeouts, exponential-backoff retries on transport or
// server failures, and a circuit breaker per upstream.
package fetchclient

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tzbkk/pacprism/pkg/circuitbreaker"
)

const (
	otelPackageName = "github.com/tzbkk/pacprism/pkg/fetchclient"
	userAgent       = "pacPrism/0.1.0"
)

var (
	// ErrClientError is returned when the upstream responds with a 4xx
	// status; the caller must not retry.
	ErrClientError = errors.New("upstream returned a client error")

	// ErrServerError is returned when every retry attempt has been
	// exhausted against a 5xx response or a transport failure.
	ErrServerError = errors.New("upstream fetch failed after all retries")

	// ErrCircuitOpen is returned when the breaker for this upstream is open
	// and the call is short-circuited without dialing.
	ErrCircuitOpen = errors.New("circuit breaker open for upstream")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Options configures a Client.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int

	// BreakerThreshold is the number of consecutive exhausted fetches to an
	// upstream before its breaker opens. Zero uses circuitbreaker.DefaultThreshold.
	BreakerThreshold int
	// BreakerTimeout is how long the breaker stays open. Zero uses
	// circuitbreaker.DefaultTimeout.
	BreakerTimeout time.Duration
}

const (
	// DefaultConnectTimeout matches the reference implementation's default.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReadTimeout matches the reference implementation's default.
	DefaultReadTimeout = 30 * time.Second
	// DefaultMaxRetries matches the reference implementation's default.
	DefaultMaxRetries = 3
)

// Client fetches files from a single upstream host:port.
type Client struct {
	httpClient *http.Client
	upstream   string
	opts       Options

	breaker *circuitbreaker.CircuitBreaker
}

// New creates a Client for the given upstream host:port (no scheme).
func New(upstream string, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = opts.ReadTimeout
	// Disable net/http's automatic Accept-Encoding/gzip handling so we can
	// transparently decode whatever the upstream sends ourselves.
	transport.DisableCompression = true

	return &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(transport)},
		upstream:   upstream,
		opts:       opts,
		breaker:    circuitbreaker.New(opts.BreakerThreshold, opts.BreakerTimeout),
	}
}

// Result is a fetched file.
type Result struct {
	Size int64
	Body io.ReadCloser
}

// Fetch retrieves path from the upstream, retrying 5xx responses and
// transport errors with exponential backoff up to MaxRetries. 4xx responses
// fail immediately without retry. Deduplicating concurrent fetches of the
// same path is the file cache's responsibility (pkg/filecache), since this
// method hands back a live body stream that cannot safely be shared across
// callers.
func (c *Client) Fetch(ctx context.Context, path string) (*Result, error) {
	if !c.breaker.AllowRequest() {
		return nil, ErrCircuitOpen
	}

	ctx, span := tracer.Start(
		ctx,
		"fetchclient.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("path", path), attribute.String("upstream", c.upstream)),
	)
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("path", path).Str("upstream", c.upstream).Logger()

	var lastErr error

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		result, err := c.attempt(ctx, path)
		if err == nil {
			c.breaker.RecordSuccess()

			return result, nil
		}

		if errors.Is(err, ErrClientError) {
			// The upstream answered, so this is not an exhausted fetch.
			c.breaker.RecordSuccess()

			return nil, err
		}

		lastErr = err

		if attempt == c.opts.MaxRetries-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", c.opts.MaxRetries).
			Dur("backoff", backoff).
			Msg("fetch failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.breaker.RecordFailure()

			return nil, ctx.Err()
		}
	}

	c.breaker.RecordFailure()

	log.Error().Err(lastErr).Msg("fetch failed after all retries")

	return nil, fmt.Errorf("%w: %v", ErrServerError, lastErr)
}

func (c *Client) attempt(ctx context.Context, path string) (*Result, error) {
	target := "http://" + c.upstream + normalizePath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		resp.Body.Close()

		return nil, fmt.Errorf("%w: status %d", ErrClientError, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, size, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()

		return nil, fmt.Errorf("error decoding response body: %w", err)
	}

	return &Result{Size: size, Body: body}, nil
}

// decodeBody transparently decompresses a gzip- or zstd-encoded upstream
// body. Size is -1 when it cannot be determined up front (decompressed
// streams and chunked bodies); callers must rely on reading to EOF in that
// case.
func decodeBody(resp *http.Response) (io.ReadCloser, int64, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, 0, err
		}

		return &decodedBody{Reader: zr, underlying: resp.Body}, -1, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, 0, err
		}

		return &decodedBody{Reader: zr.IOReadCloser(), underlying: resp.Body}, -1, nil
	default:
		return resp.Body, resp.ContentLength, nil
	}
}

// decodedBody closes both the decompressor and the underlying response body.
type decodedBody struct {
	io.ReadCloser
	underlying io.ReadCloser
}

func (d *decodedBody) Close() error {
	err := d.ReadCloser.Close()
	if uerr := d.underlying.Close(); err == nil {
		err = uerr
	}

	return err
}

func normalizePath(path string) string {
	if len(path) == 0 || path[0] != '/' {
		return "/" + path
	}

	return path
}
