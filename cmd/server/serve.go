package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/yegors/co-atc-positions/internal/api"
	"github.com/yegors/co-atc-positions/internal/cache"
	"github.com/yegors/co-atc-positions/internal/config"
	"github.com/yegors/co-atc-positions/internal/feed"
	"github.com/yegors/co-atc-positions/internal/ingest"
	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/retention"
	"github.com/yegors/co-atc-positions/internal/storage/influx"
	"github.com/yegors/co-atc-positions/internal/storage/sqlite"
	"github.com/yegors/co-atc-positions/internal/validation"
	"github.com/yegors/co-atc-positions/internal/websocket"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline, query API and subscriber hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("Starting position server",
				logger.String("version", Version),
				logger.String("config_path", configPath),
			)
			return serve(cfg, log)
		},
	}
}

func openStore(cfg *config.Config, log *logger.Logger) (*sqlite.PositionStore, error) {
	dbDir := filepath.Dir(cfg.Storage.SQLitePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dbDir, err)
	}

	store, err := sqlite.NewPositionStore(cfg.Storage.SQLitePath, sqlite.Options{
		Retention:      cfg.Storage.Retention(),
		PruneBatchSize: cfg.Storage.PruneBatchSize,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("opening position store: %w", err)
	}
	log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))
	return store, nil
}

func serve(cfg *config.Config, log *logger.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	latestCache := cache.New(cfg.Cache.TTL(), log)
	latestCache.Start()
	defer latestCache.Stop()
	reader := cache.NewReader(latestCache, store)

	hubOpts, err := websocket.OptionsFromConfig(cfg.Broadcast)
	if err != nil {
		return err
	}
	hub, err := websocket.NewHub(hubOpts, reader, m, log)
	if err != nil {
		return fmt.Errorf("creating subscriber hub: %w", err)
	}
	hub.SetMessageHandler(websocket.NewSubscriptionHandler(hub, log))
	hub.Start()

	deps := ingest.Deps{
		Dialer:  feed.NewClient(cfg.Feed.URL, cfg.Feed.HandshakeTimeout(), log),
		Decoder: feed.NewDecoder(),
		Validator: validation.New(validation.Config{
			FreshnessWindow:   cfg.Validation.FreshnessWindow(),
			FutureTolerance:   cfg.Validation.FutureTolerance(),
			MaxGroundSpeedKts: cfg.Validation.MaxGroundSpeedKts,
		}),
		Cache:     latestCache,
		Store:     store,
		Publisher: hub,
		Metrics:   m,
		Logger:    log,
	}

	if cfg.Influx.Enabled {
		mirror := influx.New(cfg.Influx, m, log)
		defer mirror.Close()
		deps.Mirror = mirror
		log.Info("Mirroring positions to InfluxDB",
			logger.String("url", cfg.Influx.URL),
			logger.String("bucket", cfg.Influx.Bucket))
	}

	pipeline := ingest.New(deps, ingest.OptionsFromConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting ingestion pipeline: %w", err)
	}

	scheduler := retention.NewScheduler(store, cfg.Storage.PruneInterval(), m, log)
	scheduler.Start(ctx)

	handler := api.NewHandler(reader, store, pipeline, hub, log)
	router := api.NewRouter(handler, hub.HandleConnection, prometheus.DefaultGatherer, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("Shutting down server...", logger.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server error", logger.String("addr", addr), logger.Error(err))
		runErr = err
	}

	// Stop accepting queries first, then drain the pipeline so buffered samples reach the store
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Stopping ingestion pipeline...")
	pipeline.Stop()

	scheduler.Stop()
	hub.Shutdown()
	cancel()

	log.Info("Server fully stopped")
	return runErr
}
