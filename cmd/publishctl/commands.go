package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/logging"
	"dataset-publisher/internal/models"
	"dataset-publisher/internal/notify"
	"dataset-publisher/internal/publish"
	"dataset-publisher/internal/queue"
	"dataset-publisher/internal/reaper"
	"dataset-publisher/internal/registry"
	"dataset-publisher/internal/service"
	"dataset-publisher/internal/store"
)

// appContext holds the connections one command needs.
type appContext struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *store.Store
	queue   *queue.RedisQueue
	backend publish.Backend
	svc     *service.Service
}

func newAppContext(ctx context.Context, cmd *cli.Command) (*appContext, error) {
	cfg, err := config.Load(cmd.Root().String("env"))
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	repos, err := registry.Load(cfg.RepositoriesFile)
	if err != nil {
		return nil, err
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	backend, err := publish.FromConfig(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("publish backend: %w", err)
	}
	q := queue.NewRedisQueue(cfg)
	return &appContext{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		queue:   q,
		backend: backend,
		svc:     service.New(st, q, repos, backend, logger.Named("service"), cfg.MaxAttempts),
	}, nil
}

func (a *appContext) Close() {
	_ = a.queue.Close()
	a.store.Close()
	_ = a.logger.Sync()
}

// withApp runs fn with a connected appContext.
func withApp(fn func(ctx context.Context, cmd *cli.Command, app *appContext) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		app, err := newAppContext(ctx, cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(ctx, cmd, app)
	}
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.Root().String("env"))
	if err != nil {
		return err
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

var submitAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	req := service.SubmitRequest{
		Repository: cmd.String("repository"),
		SourcePath: cmd.String("path"),
		Mode:       models.Mode(cmd.String("mode")),
		Version:    int(cmd.Int("version")),
		Owner:      cmd.String("owner"),
		Contact:    cmd.String("contact"),
	}
	if v := cmd.String("expires"); v != "" {
		at, err := parseWhen(v, time.Now())
		if err != nil {
			return err
		}
		req.ExpiresAt = &at
	}
	job, err := app.svc.Submit(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(job)
})

var getAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	job, err := app.svc.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(job)
})

var listAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	var state *models.State
	if v := cmd.String("state"); v != "" {
		state = models.Ptr(models.State(v))
	}
	jobs, err := app.svc.List(ctx, state, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	printTable(jobs)
	return nil
})

var searchAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	jobs, err := app.svc.Search(ctx, cmd.String("file"), int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	printTable(jobs)
	return nil
})

var eventsAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	events, err := app.svc.Events(ctx, id)
	if err != nil {
		return err
	}
	for _, ev := range events {
		from := "-"
		if ev.FromState != nil {
			from = string(*ev.FromState)
		}
		fmt.Printf("%s  %-8s -> %-8s %s\n", ev.RecordedAt.Format(time.RFC3339), from, ev.ToState, ev.Detail)
	}
	return nil
})

var retryAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	job, err := app.svc.RequestRetry(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(job)
})

var requeueAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	if _, err := app.svc.Requeue(ctx, id); err != nil {
		return err
	}
	fmt.Printf("job %s requeued\n", id)
	return nil
})

var renewAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	until, err := parseWhen(cmd.String("until"), time.Now())
	if err != nil {
		return err
	}
	job, err := app.svc.RequestRenewal(ctx, id, until)
	if err != nil {
		return err
	}
	return printJSON(job)
})

var cancelAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	if err := app.svc.Cancel(ctx, id); err != nil {
		return err
	}
	fmt.Printf("job %s cancelled\n", id)
	return nil
})

var statsAction = withApp(func(ctx context.Context, _ *cli.Command, app *appContext) error {
	stats, err := app.svc.Stats(ctx)
	if err != nil {
		return err
	}
	for _, st := range models.AllStates {
		fmt.Printf("%-8s %d\n", st, stats.Counts[st])
	}
	fmt.Printf("queued   %d\nleased   %d\n", stats.QueueDepth, stats.InFlight)
	if stats.OldestPendingAge != nil {
		fmt.Printf("oldest pending job waiting %s\n", stats.OldestPendingAge.Round(time.Second))
	}
	return nil
})

var reapAction = withApp(func(ctx context.Context, cmd *cli.Command, app *appContext) error {
	batch := int(cmd.Int("batch"))
	if batch <= 0 {
		batch = app.cfg.ReaperBatchSize
	}
	rp := reaper.New(app.store, app.backend, app.logger, batch)
	rp.SetNotifier(notify.FromConfig(app.cfg, app.logger))
	res, err := rp.RunCycle(ctx)
	fmt.Printf("selected %d, expired %d, skipped %d, failed %d\n", res.Selected, res.Expired, res.Skipped, res.Failed)
	return err
})

var reconcileAction = withApp(func(ctx context.Context, _ *cli.Command, app *appContext) error {
	rc := reaper.NewReconciler(app.store, app.queue, reaper.ReconcileOptions{
		Grace:       app.cfg.ReconcileGrace,
		AutoRetry:   app.cfg.ReconcileAutoRetry,
		MaxAttempts: app.cfg.MaxAttempts,
	}, app.logger)
	rc.SetNotifier(notify.FromConfig(app.cfg, app.logger))
	res, err := rc.RunCycle(ctx)
	fmt.Printf("checked %d, failed %d, retried %d\n", res.Checked, res.Failed, res.Retried)
	return err
})

func jobID(cmd *cli.Command) (string, error) {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return "", fmt.Errorf("%s: job id argument is required", cmd.Name)
	}
	return id, nil
}

// parseWhen accepts an RFC 3339 timestamp or a duration relative to now.
// Durations also take a "d" suffix for days.
func parseWhen(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err == nil && fmt.Sprint(n) == days {
			return now.Add(time.Duration(n) * 24 * time.Hour).UTC(), nil
		}
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 time nor a duration", v)
	}
	return now.Add(d).UTC(), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(jobs []models.PublishJob) {
	for _, j := range jobs {
		expires := "-"
		if j.ExpiresAt != nil {
			expires = j.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-8s %-5s %-25s %s\n", j.ID, j.State, j.Mode, expires, j.DestinationPath)
	}
}
