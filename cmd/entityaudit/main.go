package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/entityaudit/pkg/api"
	"github.com/platinummonkey/entityaudit/pkg/audit"
	"github.com/platinummonkey/entityaudit/pkg/config"
	"github.com/platinummonkey/entityaudit/pkg/observability"
)

func main() {
	// .env is optional; the real environment always wins
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env file: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Entity audit service stopped with an error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := cfg.Audit.Repository.Backend
	otelCfg := cfg.Observability.OTel()
	otelCfg.Backend = string(backend)
	telemetry, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	repo, err := audit.Open(ctx, cfg.Audit.Repository)
	if err != nil {
		_ = telemetry.Shutdown(context.Background())
		return err
	}
	logger.WithField("backend", string(backend)).Info("Audit repository opened")

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(api.RouterConfig{
			Repo:            audit.NewInstrumentedRepository(repo, backend, metrics),
			Backend:         backend,
			Logger:          logger,
			Metrics:         metrics,
			Registry:        registry,
			Health:          healthChecker(repo),
			PrincipalHeader: cfg.Server.PrincipalHeader,
			MaxParamLength:  cfg.Server.MaxQueryParamLength,
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
			ServiceName:     cfg.Observability.OTelServiceName,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// shutdown functions run in reverse: repository first, then telemetry
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("opentelemetry", telemetry.Shutdown)
	shutdown.RegisterShutdownFunc("audit repository", func(context.Context) error {
		return repo.Close()
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Entity audit service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Audit.ExcludesFile != "" && cfg.Audit.WatchExcludes {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "exclude attributes watcher")
			return audit.WatchExcludeAttributes(gctx, cfg.Audit.ExcludesFile, cfg.Audit.Repository.Excludes, logger)
		})
	}

	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	return g.Wait()
}

// healthChecker pings whichever database or redis client backs the repository
func healthChecker(repo audit.Repository) *observability.HealthChecker {
	for {
		switch r := repo.(type) {
		case *audit.CachedRepository:
			repo = r.Repository
		case *audit.DBRepository:
			return observability.NewHealthChecker(r.DB(), nil)
		case *audit.RedisRepository:
			return observability.NewHealthChecker(nil, r.Client())
		default:
			return observability.NewHealthChecker(nil, nil)
		}
	}
}
