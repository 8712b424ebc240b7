package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/entityaudit/pkg/archive"
	"github.com/platinummonkey/entityaudit/pkg/audit"
	"github.com/platinummonkey/entityaudit/pkg/config"
	"github.com/platinummonkey/entityaudit/pkg/observability"
)

var (
	runOnce     = flag.Bool("run-once", false, "Archive one window and exit")
	schedule    = flag.String("schedule", "", "Cron schedule, overrides ENTITYAUDIT_ARCHIVE_SCHEDULE")
	window      = flag.Duration("window", 0, "Archive window, overrides ENTITYAUDIT_ARCHIVE_WINDOW")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9091")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatalf("Failed to load .env file: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(cfg)

	level := cfg.Observability.LogLevel.String()
	if *logLevel != "" {
		level = *logLevel
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}

	if err := cfg.ValidateArchive(); err != nil {
		logger.Fatalf("Invalid archive configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := audit.Open(ctx, cfg.Audit.Repository)
	if err != nil {
		logger.Fatalf("Failed to open audit repository: %v", err)
	}
	defer repo.Close()

	store, err := archive.NewS3Store(ctx, cfg.Archive.S3)
	if err != nil {
		logger.Fatalf("Failed to create S3 store: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	if *metricsAddr != "" {
		srv := metricsServer(*metricsAddr, registry)
		go func() {
			logger.Infof("Serving archiver metrics on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to stop metrics server")
			}
		}()
	}

	archiver := archive.New(repo, store, cfg.Archive.Job, metrics, logger)

	if *runOnce {
		if _, err := archiver.RunWindow(ctx, cfg.Archive.Window); err != nil {
			logger.Fatalf("Archive run failed: %v", err)
		}
		return
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(cfg.Archive.Schedule, func() {
		res, err := archiver.RunWindow(ctx, cfg.Archive.Window)
		if err != nil {
			logger.WithError(err).Error("Scheduled archive run failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"entities": res.Entities,
			"objects":  res.Objects,
			"events":   res.Events,
		}).Info("Scheduled archive run completed")
	})
	if err != nil {
		logger.Fatalf("Failed to schedule archive job: %v", err)
	}

	c.Start()
	logger.Infof("Audit archiver started, schedule %q, window %s", cfg.Archive.Schedule, cfg.Archive.Window)

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	// wait for a running archive job to finish
	<-c.Stop().Done()
	logger.Info("Audit archiver stopped")
}

func metricsServer(addr string, registry *prometheus.Registry) *http.Server {
	router := mux.NewRouter()
	observability.RegisterMetricsEndpoint(router, registry)
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func applyFlags(cfg *config.Config) {
	if *schedule != "" {
		cfg.Archive.Schedule = *schedule
	}
	if *window > 0 {
		cfg.Archive.Window = *window
	}
}
