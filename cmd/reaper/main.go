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

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/logging"
	"dataset-publisher/internal/notify"
	"dataset-publisher/internal/publish"
	"dataset-publisher/internal/queue"
	"dataset-publisher/internal/reaper"
	"dataset-publisher/internal/registry"
	"dataset-publisher/internal/service"
	"dataset-publisher/internal/store"
	"dataset-publisher/internal/telemetry"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	once := flag.Bool("once", false, "run one reaper and one reconcile cycle, then exit")
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

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Fatal("reaper stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, once bool) error {
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

	rp := reaper.New(st, backend, logger, cfg.ReaperBatchSize)
	rc := reaper.NewReconciler(st, q, reaper.ReconcileOptions{
		Grace:       cfg.ReconcileGrace,
		AutoRetry:   cfg.ReconcileAutoRetry,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)
	notifier := notify.FromConfig(cfg, logger)
	rp.SetNotifier(notifier)
	rc.SetNotifier(notifier)

	reap := func(ctx context.Context) error {
		_, err := rp.RunCycle(ctx)
		return err
	}
	reconcile := func(ctx context.Context) error {
		_, err := rc.RunCycle(ctx)
		return err
	}
	if once {
		return multierror.Append(nil, reap(ctx), reconcile(ctx)).ErrorOrNil()
	}

	// Stats only need the read side of the service; an empty registry is enough.
	repos, err := registry.New()
	if err != nil {
		return err
	}
	svc := service.New(st, q, repos, backend, logger.Named("service"), cfg.MaxAttempts)

	sched := reaper.NewScheduler(logger.Named("scheduler"))
	if err := sched.Every(ctx, "reap", cfg.ReaperInterval, reap); err != nil {
		return err
	}
	if err := sched.Every(ctx, "reconcile", cfg.ReaperInterval, reconcile); err != nil {
		return err
	}
	if err := sched.Every(ctx, "stats", cfg.StatsInterval, svc.RecordStats); err != nil {
		return err
	}

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("reaper started", zap.Duration("interval", cfg.ReaperInterval), zap.Int("batch_size", cfg.ReaperBatchSize))
		return sched.Run(gctx)
	})
	return g.Wait()
}
