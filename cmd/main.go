package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/transitd/internal/config"
	"github.com/l0p7/transitd/internal/logging"
	"github.com/l0p7/transitd/internal/metrics"
	"github.com/l0p7/transitd/internal/runtime"
	"github.com/l0p7/transitd/internal/runtime/batch"
	"github.com/l0p7/transitd/internal/runtime/cache"
	"github.com/l0p7/transitd/internal/runtime/transit"
	"github.com/l0p7/transitd/internal/server"
	"github.com/l0p7/transitd/internal/tracing"
	"github.com/l0p7/transitd/internal/upstream"
)

const finalFlushTimeout = 30 * time.Second

type runnableServer interface {
	Run(context.Context) error
	OnShutdown(func(context.Context))
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

var newUpstreamClient = func(cfg config.UpstreamConfig, opts upstream.Options) (upstream.Client, error) {
	client, err := upstream.NewGoogleMaps(upstream.GoogleMapsConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout(),
		RateLimit: cfg.RateLimit,
	}, opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	if err := run(ctx, loader, cfg, logger); err != nil {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(ctx context.Context, loader *config.Loader, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(tracing.Config{Enabled: cfg.Tracing.Enabled}, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store, err := buildSnapshotStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	if err != nil {
		return err
	}
	keyed, err := cache.New(ctx, store, cache.Options{Logger: logger, Metrics: metricsRecorder})
	if err != nil {
		return err
	}

	executor, err := batch.New(cfg.Batch.MaxWorkers)
	if err != nil {
		_ = keyed.Close(ctx)
		return err
	}

	client, err := newUpstreamClient(cfg.Upstream, upstream.Options{Logger: logger, Metrics: metricsRecorder})
	if err != nil {
		_ = keyed.Close(ctx)
		return fmt.Errorf("upstream client: %w", err)
	}

	svc, err := transit.NewService(client, keyed, executor, transit.Options{
		Logger:              logger,
		Metrics:             metricsRecorder,
		NearbyRadius:        cfg.Upstream.NearbyRadiusMeters,
		Timeout:             cfg.Upstream.Timeout(),
		DedupeInflight:      cfg.Cache.DedupeInflight,
		StationNameTemplate: cfg.Transit.StationNameTemplate,
		LocationFilter:      cfg.Transit.LocationFilter,
	})
	if err != nil {
		_ = keyed.Close(ctx)
		return err
	}

	daemon := cache.NewDaemon(keyed, cfg.Cache.FlushInterval(), logger)
	if err := daemon.Start(ctx); err != nil {
		_ = keyed.Close(ctx)
		return err
	}

	if len(loader.Files()) > 0 {
		watcher, err := loader.Watch(ctx, applyReload(logger, executor, svc), func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Service:           svc,
		Cache:             keyed,
		Executor:          executor,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	handler := server.NewPipelineHandler(pipe, metricsRecorder.Handler())

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		daemon.Stop()
		finalFlush(logger, keyed)
		return err
	}
	srv.OnShutdown(func(context.Context) {
		daemon.Stop()
		finalFlush(logger, keyed)
	})

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSnapshotStore opens the configured backend. Remote backends that fail
// to initialize fall back to the file store so the service still starts.
func buildSnapshotStore(logger *slog.Logger, cfg config.CacheConfig) (cache.SnapshotStore, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err == nil {
			logger.Info("using redis snapshot store", slog.String("address", cfg.Redis.Address))
			return store, nil
		}
		logger.Error("redis snapshot store initialization failed", slog.Any("error", err))
	case config.CacheBackendObject:
		store, err := cache.NewObjectStore(cache.ObjectConfig{
			Endpoint:  cfg.Object.Endpoint,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			Bucket:    cfg.Object.Bucket,
			Prefix:    cfg.Object.Prefix,
			UseSSL:    cfg.Object.UseSSL,
			Region:    cfg.Object.Region,
		})
		if err == nil {
			logger.Info("using object snapshot store",
				slog.String("endpoint", cfg.Object.Endpoint), slog.String("bucket", cfg.Object.Bucket))
			return store, nil
		}
		logger.Error("object snapshot store initialization failed", slog.Any("error", err))
	case config.CacheBackendFile, "":
	default:
		logger.Warn("unsupported cache backend, defaulting to file", slog.String("backend", cfg.Backend))
	}

	if cfg.Backend != config.CacheBackendFile && cfg.Backend != "" {
		logger.Info("falling back to file snapshot store", slog.String("dir", cfg.Dir))
	}
	store, err := cache.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("file snapshot store: %w", err)
	}
	logger.Info("using file snapshot store", slog.String("dir", cfg.Dir))
	return store, nil
}

// applyReload returns the watcher callback that hot-applies the worker bound
// and the presentation knobs. Listener, cache and upstream settings need a
// restart.
func applyReload(logger *slog.Logger, executor *batch.Executor, svc *transit.Service) func(config.Config) {
	return func(cfg config.Config) {
		if err := executor.SetMaxWorkers(cfg.Batch.MaxWorkers); err != nil {
			logger.Error("max workers reload rejected", slog.Any("error", err))
		}
		if err := svc.Reload(cfg.Transit.StationNameTemplate, cfg.Transit.LocationFilter); err != nil {
			logger.Error("transit reload rejected", slog.Any("error", err))
			return
		}
		logger.Info("configuration reloaded", slog.Int("max_workers", executor.MaxWorkers()))
	}
}

// finalFlush persists whatever the daemon has not yet written and releases
// the store.
func finalFlush(logger *slog.Logger, c *cache.KeyedCache) {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		logger.Error("final cache flush failed", slog.Any("error", err))
	}
	if err := c.Close(ctx); err != nil {
		logger.Error("cache store close failed", slog.Any("error", err))
	}
}
