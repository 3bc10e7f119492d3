package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inference-gateway/internal/config"
	"inference-gateway/internal/continuation"
	"inference-gateway/internal/fallback"
	"inference-gateway/internal/gateway"
	"inference-gateway/internal/logging"
	"inference-gateway/internal/metrics"
	providerfactory "inference-gateway/internal/provider/factory"
	"inference-gateway/internal/registry"
	"inference-gateway/internal/server"
	"inference-gateway/internal/usage"
)

type serveOptions struct {
	configPath string
	port       int
}

func newServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to YAML configuration file (GATEWAY_* environment variables also apply)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "override server port from configuration")
	return cmd
}

func serve(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if opts.port != 0 {
		if opts.port < 0 || opts.port > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", opts.port)
		}
		cfg.Server.Port = opts.port
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	return app.server.Run(ctx)
}

// application holds the wired process and whatever must be drained on exit.
type application struct {
	server  *server.Server
	closers []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{}

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(cat)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	for _, m := range reg.Models() {
		logger.Debug("model registered", zap.String("model", m.ID), zap.Strings("providers", m.Providers))
	}

	providers, err := providerfactory.BuildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	cache, err := continuation.NewMemoryCache(cfg.Continuation.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("build continuation cache: %w", err)
	}
	writer := continuation.NewWriter(cache, logger,
		continuation.WithTTL(cfg.Continuation.TTL),
		continuation.WithWriteObserver(m.ContinuationWritten),
	)
	app.closers = append(app.closers, cache.Close, writer.Wait)

	sinks := usage.Multi{m}
	if cfg.Usage.Log {
		sinks = append(sinks, usage.NewLogSink(logger))
	}
	if key := cfg.Usage.PostHog.APIKey; key != "" {
		ph, err := usage.NewPostHogSink(key, cfg.Usage.PostHog.Endpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("build posthog sink: %w", err)
		}
		sinks = append(sinks, ph)
		app.closers = append(app.closers, func() {
			if err := ph.Close(); err != nil {
				logger.Warn("posthog close failed", zap.Error(err))
			}
		})
	}

	controller := fallback.NewController(
		fallback.Policy{
			AttemptsPerCandidate: cfg.Fallback.AttemptsPerCandidate,
			Backoff: fallback.ExponentialBackoff{
				Base:   cfg.Fallback.BackoffBase,
				Max:    cfg.Fallback.BackoffMax,
				Jitter: cfg.Fallback.Jitter,
			},
		},
		fallback.WithObserver(m),
		fallback.WithLogger(logger),
	)

	gw, err := gateway.New(gateway.Options{
		Registry:   reg,
		Providers:  providers,
		Controller: controller,
		Cache:      cache,
		Writer:     writer,
		Sink:       sinks,
		Estimator:  usage.NewTiktokenEstimator(logger),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(cfg, server.Deps{
		Chat:    gw,
		Catalog: reg,
		Metrics: m.Handler(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	app.server = srv

	logger.Info("gateway configured",
		zap.Strings("providers", providers.Names()),
		zap.Int("models", len(reg.Models())),
	)
	return app, nil
}
