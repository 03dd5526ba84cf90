package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/logging"
	"dataset-publisher/internal/notify"
	"dataset-publisher/internal/publish"
	"dataset-publisher/internal/queue"
	"dataset-publisher/internal/registry"
	"dataset-publisher/internal/store"
	"dataset-publisher/internal/telemetry"
	"dataset-publisher/internal/worker"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	repos, err := registry.Load(cfg.RepositoriesFile)
	if err != nil {
		return err
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	backend, err := publish.FromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("publish backend: %w", err)
	}

	pool := worker.NewPool(cfg, st, q, repos, backend, logger.Named("worker"))
	pool.SetNotifier(notify.FromConfig(cfg, logger))
	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("worker starting",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Int("transfer_retries", cfg.TransferRetries),
		zap.String("backend", backend.Name()))

	// The pool drains in-flight tasks after ctx is cancelled, so it does
	// not share the errgroup's context with the metrics server.
	var g errgroup.Group
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
		return pool.Run(ctx)
	})
	return g.Wait()
}
