package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"dataset-publisher/internal/models"
	"dataset-publisher/internal/telemetry"
)

// LostWorkerDetail is recorded on jobs failed by the reconciler.
const LostWorkerDetail = "worker lost"

// RunningStore is the part of the job store the reconciler needs.
type RunningStore interface {
	FindRunning(ctx context.Context, startedBefore time.Time) ([]models.PublishJob, error)
	Transition(ctx context.Context, id string, from, to models.State, fields models.TransitionFields) (models.PublishJob, error)
	RequestRetry(ctx context.Context, id string, maxAttempts int, minExpiry *time.Time) (models.PublishJob, error)
}

// Liveness reports worker heartbeats and accepts re-enqueued jobs.
type Liveness interface {
	Alive(ctx context.Context, workerID string) (bool, error)
	Enqueue(ctx context.Context, jobID string) error
}

// ReconcileOptions tunes the reconciler.
type ReconcileOptions struct {
	// Grace is how long a job may run before its worker's liveness is checked.
	Grace       time.Duration
	AutoRetry   bool
	MaxAttempts int
}

// ReconcileResult summarizes one reconciliation cycle.
type ReconcileResult struct {
	Checked int
	Failed  int
	Retried int
}

// Reconciler fails running jobs whose worker stopped heartbeating, and
// optionally puts them back in the queue while the retry budget lasts.
type Reconciler struct {
	store    RunningStore
	live     Liveness
	opts     ReconcileOptions
	logger   *zap.Logger
	notifier Notifier
	now      func() time.Time
}

// SetNotifier makes the reconciler tell contacts their job was lost for good.
func (r *Reconciler) SetNotifier(n Notifier) {
	r.notifier = n
}

func NewReconciler(st RunningStore, live Liveness, opts ReconcileOptions, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		live:   live,
		opts:   opts,
		logger: logger.With(zap.String("component", "reconciler")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) RunCycle(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	now := r.now()
	jobs, err := r.store.FindRunning(ctx, now.Add(-r.opts.Grace))
	if err != nil {
		return res, fmt.Errorf("find running jobs: %w", err)
	}

	var errs *multierror.Error
	for _, job := range jobs {
		res.Checked++
		log := r.logger.With(zap.String("job_id", job.ID))
		if job.WorkerID != nil {
			alive, err := r.live.Alive(ctx, *job.WorkerID)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("check worker of %s: %w", job.ID, err))
				continue
			}
			if alive {
				continue
			}
		}

		// Only fail the attempt that was judged lost; a job that was retried
		// and claimed again since FindRunning is left alone.
		failed, err := r.store.Transition(ctx, job.ID, models.StateRunning, models.StateError, models.TransitionFields{
			FinishedAt:   models.Ptr(now),
			ErrorDetail:  models.Ptr(LostWorkerDetail),
			OwnerWorker:  job.WorkerID,
			OwnerAttempt: models.Ptr(job.AttemptCount),
		})
		if models.IsStale(err) || errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("fail %s: %w", job.ID, err))
			continue
		}
		res.Failed++
		telemetry.ReconciledCounter.Inc()
		log.Warn("running job has no live worker, marked as error")

		if !r.opts.AutoRetry {
			notify(ctx, r.notifier, log, failed)
			continue
		}
		if _, err := r.store.RequestRetry(ctx, job.ID, r.opts.MaxAttempts, nil); err != nil {
			var limit *models.RetryLimitError
			if errors.As(err, &limit) {
				log.Warn("retry budget spent, leaving job in error", zap.Int("attempts", limit.Attempts))
				notify(ctx, r.notifier, log, failed)
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("retry %s: %w", job.ID, err))
			continue
		}
		if err := r.live.Enqueue(ctx, job.ID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("enqueue %s: %w", job.ID, err))
			continue
		}
		res.Retried++
		log.Info("job re-enqueued after lost worker")
	}
	return res, errs.ErrorOrNil()
}
