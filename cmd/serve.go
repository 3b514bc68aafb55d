package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tzbkk/pacprism/pkg/config"
	"github.com/tzbkk/pacprism/pkg/dht"
	"github.com/tzbkk/pacprism/pkg/fetchclient"
	"github.com/tzbkk/pacprism/pkg/filecache"
	"github.com/tzbkk/pacprism/pkg/prometheus"
	"github.com/tzbkk/pacprism/pkg/router"
	"github.com/tzbkk/pacprism/pkg/storage"
	"github.com/tzbkk/pacprism/pkg/storage/local"
	"github.com/tzbkk/pacprism/pkg/storage/s3"
	"github.com/tzbkk/pacprism/pkg/validator"
)

var (
	// ErrStorageConfigRequired is returned if neither local nor S3 storage is configured.
	ErrStorageConfigRequired = errors.New("either --storage-local or --storage-s3-bucket is required")

	// ErrStorageConflict is returned if both local and S3 storage are configured.
	ErrStorageConflict = errors.New("cannot use both --storage-local and --storage-s3-bucket")

	// ErrS3ConfigIncomplete is returned if S3 storage is selected but missing required fields.
	ErrS3ConfigIncomplete = errors.New(
		"S3 requires --storage-s3-endpoint, --storage-s3-access-key-id, and --storage-s3-secret-access-key",
	)
)

func serveCommand(_ userDirectories, flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve cached Debian packages over HTTP, fetching misses from upstream",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "upstream",
				Usage:    "The upstream mirror host:port to fetch package files from on a cache miss",
				Sources:  flagSources("upstream.host", "UPSTREAM_HOST"),
				Value:    "ftp.debian.org",
				Required: false,
			},
			&cli.DurationFlag{
				Name:    "upstream-connect-timeout",
				Usage:   "TCP connect timeout when dialing the upstream",
				Sources: flagSources("upstream.connect-timeout", "UPSTREAM_CONNECT_TIMEOUT"),
				Value:   fetchclient.DefaultConnectTimeout,
			},
			&cli.DurationFlag{
				Name:    "upstream-read-timeout",
				Usage:   "Response header read timeout when fetching from the upstream",
				Sources: flagSources("upstream.read-timeout", "UPSTREAM_READ_TIMEOUT"),
				Value:   fetchclient.DefaultReadTimeout,
			},
			&cli.IntFlag{
				Name:    "upstream-max-retries",
				Usage:   "Number of attempts for a fetch before giving up",
				Sources: flagSources("upstream.max-retries", "UPSTREAM_MAX_RETRIES"),
				Value:   fetchclient.DefaultMaxRetries,
			},
			&cli.StringFlag{
				Name:    "storage-local",
				Usage:   "Local directory used for package cache storage (use this OR S3 storage)",
				Sources: flagSources("storage.local", "STORAGE_LOCAL"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-bucket",
				Usage:   "S3 bucket name for storage (use this OR --storage-local for local storage)",
				Sources: flagSources("storage.s3.bucket", "STORAGE_S3_BUCKET"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-endpoint",
				Usage:   "S3-compatible endpoint URL, including scheme",
				Sources: flagSources("storage.s3.endpoint", "STORAGE_S3_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-region",
				Usage:   "S3 region (optional)",
				Sources: flagSources("storage.s3.region", "STORAGE_S3_REGION"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-access-key-id",
				Usage:   "S3 access key ID",
				Sources: flagSources("storage.s3.access-key-id", "STORAGE_S3_ACCESS_KEY_ID"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-secret-access-key",
				Usage:   "S3 secret access key",
				Sources: flagSources("storage.s3.secret-access-key", "STORAGE_S3_SECRET_ACCESS_KEY"),
			},
			&cli.BoolFlag{
				Name:    "storage-s3-force-path-style",
				Usage:   "Force path-style addressing; set for MinIO and other S3-compatible services",
				Sources: flagSources("storage.s3.force-path-style", "STORAGE_S3_FORCE_PATH_STYLE"),
			},
			&cli.IntFlag{
				Name:    "dht-liveness-threshold",
				Usage:   "Consecutive failed liveness probes before a peer entry is evicted",
				Sources: flagSources("dht.liveness-threshold", "DHT_LIVENESS_THRESHOLD"),
				Value:   dht.DefaultLivenessThreshold,
			},
			&cli.StringFlag{
				Name:    "dht-sweep-schedule",
				Usage:   "Cron spec for the DHT expiry/liveness maintenance sweep",
				Sources: flagSources("dht.sweep-schedule", "DHT_SWEEP_SCHEDULE"),
				Value:   dht.DefaultSweepSchedule,
			},
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address the HTTP server listens on",
				Sources: flagSources("server.addr", "SERVER_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:    "legacy-config-file",
				Usage:   "Path to a legacy key=value config file providing fallback defaults for unset flags",
				Sources: flagSources("legacy-config-file", "LEGACY_CONFIG_FILE"),
			},
		},
	}
}

// applyLegacyConfig loads the key=value config file at the "legacy-config-file"
// flag, if set, and uses it to fill in any of the upstream, storage-local,
// storage-s3-bucket and server-addr flags the operator did not set, matching
// original_source's Config::parse_line fallback semantics.
func applyLegacyConfig(cmd *cli.Command) error {
	path := cmd.String("legacy-config-file")
	if path == "" {
		return nil
	}

	legacy, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("error loading legacy config file %q: %w", path, err)
	}

	fallbacks := map[string]string{
		"upstream":          "upstream",
		"storage-local":     "storage.local",
		"storage-s3-bucket": "storage.s3.bucket",
		"server-addr":       "server.addr",
	}

	for flagName, key := range fallbacks {
		if !cmd.IsSet(flagName) && legacy.Has(key) {
			if err := cmd.Set(flagName, legacy.Get(key, "")); err != nil {
				return fmt.Errorf("error applying legacy config key %q to flag %q: %w", key, flagName, err)
			}
		}
	}

	return nil
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		if err := applyLegacyConfig(cmd); err != nil {
			return err
		}

		store, err := getStorageBackend(ctx, cmd)
		if err != nil {
			return err
		}

		fetcher := fetchclient.New(cmd.String("upstream"), fetchclient.Options{
			ConnectTimeout: cmd.Duration("upstream-connect-timeout"),
			ReadTimeout:    cmd.Duration("upstream-read-timeout"),
			MaxRetries:     int(cmd.Int("upstream-max-retries")),
		})

		cache := filecache.New(store, fetcher)

		d := dht.New(dht.Options{LivenessThreshold: int(cmd.Int("dht-liveness-threshold"))})

		maintenance, err := dht.StartMaintenance(ctx, d, cmd.String("dht-sweep-schedule"))
		if err != nil {
			return fmt.Errorf("error starting the dht maintenance sweep: %w", err)
		}
		defer maintenance.Stop()

		v := validator.New(validator.StubVerifier{})

		rt := router.New(cache, d, v)

		var prometheusShutdown func(context.Context) error

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			prometheusShutdown = shutdown

			rt.SetPrometheusGatherer(gatherer)

			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		defer func() {
			if prometheusShutdown != nil {
				if err := prometheusShutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}
		}()

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           rt,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info().
			Str("server_addr", cmd.String("server-addr")).
			Str("upstream", cmd.String("upstream")).
			Msg("server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()

			if waitErr := g.Wait(); waitErr != nil {
				logger.Error().Err(waitErr).Msg("error returned from g.Wait()")
			}

			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		cancel()

		if waitErr := g.Wait(); waitErr != nil {
			logger.Error().Err(waitErr).Msg("error returned from g.Wait()")
		}

		return nil
	}
}

func getStorageBackend(ctx context.Context, cmd *cli.Command) (storage.Store, error) {
	localPath := cmd.String("storage-local")
	s3Bucket := cmd.String("storage-s3-bucket")

	switch {
	case localPath != "" && s3Bucket != "":
		return nil, ErrStorageConflict

	case localPath != "":
		localStore, err := local.New(ctx, localPath)
		if err != nil {
			return nil, fmt.Errorf("error creating a new local store at %q: %w", localPath, err)
		}

		zerolog.Ctx(ctx).Info().Str("path", localPath).Msg("using local storage")

		return localStore, nil

	case s3Bucket != "":
		return createS3Storage(ctx, cmd)

	default:
		return nil, ErrStorageConfigRequired
	}
}

func createS3Storage(ctx context.Context, cmd *cli.Command) (storage.Store, error) {
	endpoint := cmd.String("storage-s3-endpoint")
	accessKeyID := cmd.String("storage-s3-access-key-id")
	secretAccessKey := cmd.String("storage-s3-secret-access-key")

	if endpoint == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, ErrS3ConfigIncomplete
	}

	cfg := s3.Config{
		Bucket:          cmd.String("storage-s3-bucket"),
		Region:          cmd.String("storage-s3-region"),
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		ForcePathStyle:  cmd.Bool("storage-s3-force-path-style"),
	}

	s3Store, err := s3.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating a new S3 store: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("bucket", cfg.Bucket).Msg("using S3 storage")

	return s3Store, nil
}
