package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/api"
	"github.com/savegress/oeesense/internal/cache"
	"github.com/savegress/oeesense/internal/config"
	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/oee"
	"github.com/savegress/oeesense/internal/reconcile"
	"github.com/savegress/oeesense/internal/reliability"
	"github.com/savegress/oeesense/internal/shift"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/internal/target"
	"github.com/savegress/oeesense/pkg/workerpool"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("oeesense: %v", err)
	}
}

func run() error {
	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "oeesense")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting oeesense", zap.String("environment", cfg.Server.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver))

	settings, err := oee.SettingsFromConfig(cfg.OEE)
	if err != nil {
		return fmt.Errorf("invalid oee formulas: %w", err)
	}
	engine := oee.NewEngine(settings, oee.LogObserver{Logger: logger})
	rates := target.NewRateResolver(store, cfg.OEE.FallbackIdealRate, logger)
	targets := target.NewResolver(store, cfg.OEE.DefaultTarget, logger)

	pool, err := workerpool.NewWorkerPool(workerpool.Config{
		Workers:         cfg.Workers.Count,
		QueueSize:       cfg.Workers.QueueSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ErrorHandler: func(err error) {
			logger.Warn("breakdown task failed", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	live := reconcile.NewLiveProvider(store, engine, rates, cfg.OEE.AggregateRateMode, logger)
	reconciler := reconcile.NewReconciler(store, live, reconcile.NewCachedProvider(store), pool, reconcile.Options{
		TrendMode:          cfg.OEE.TrendMode,
		ProductionWeekdays: cfg.OEE.ProductionWeekdays,
		MinCoverage:        cfg.OEE.MinCoverage,
	}, logger)

	if cfg.Redis.Enabled {
		resultCache, err := cache.New(ctx, &cache.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
			Enabled:   true,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer resultCache.Close()
		reconciler.WithCache(resultCache)
		logger.Info("result cache enabled", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", resultCache.TTL()))
	}

	aggregator := shift.NewAggregator(engine, rates, logger)
	shifts := shift.NewService(store, aggregator, reconciler, cfg.OEE.ChangeoverTolerance, logger)
	calc := reliability.NewCalculator(store, logger)

	// Create API server
	server := api.NewServer(reconciler, calc, targets, shifts, logger)

	// Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErr := serve(httpServer, sigCh, logger)
	if serveErr != nil {
		logger.Error("HTTP server error", zap.Error(serveErr))
	}
	logger.Info("shutting down")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := pool.StopWithContext(shutdownCtx); err != nil {
		logger.Warn("worker pool shutdown", zap.Error(err))
	}

	logger.Info("oeesense stopped")
	return serveErr
}

// serve runs srv until a signal arrives or the listener fails. It does not
// shut srv down.
func serve(srv *http.Server, sigCh <-chan os.Signal, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
		return nil
	case err := <-errCh:
		return err
	}
}

// openStore opens the backend named by cfg.Driver
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.URL
		if path == "" {
			path = "./data/oeesense.db"
		}
		store, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := storage.OpenPostgres(ctx, cfg.URL, storage.PoolConfig{
			MaxConns:        int32(cfg.MaxConns),
			MinConns:        int32(cfg.MinConns),
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
