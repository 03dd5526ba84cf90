// Package reaper removes publications whose lifetime has ended and settles
// running jobs abandoned by dead workers.
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

// Store is the part of the job store the reaper needs.
type Store interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.PublishJob, error)
	ExpireJob(ctx context.Context, id string, now time.Time, remove func(models.PublishJob) error) (models.PublishJob, bool, error)
}

// Remover deletes a publication from the published area. Removing an absent
// publication succeeds.
type Remover interface {
	Remove(ctx context.Context, destination string, mode models.Mode) error
}

// CycleResult summarizes one reaper cycle.
type CycleResult struct {
	Selected int
	Expired  int
	Skipped  int
	Failed   int
}

// Reaper expires done jobs past their expires_at. Artifacts are removed
// before the state changes, so a crash in between is repaired by the next
// cycle finding the job still done and the artifact already gone.
type Reaper struct {
	store     Store
	remover   Remover
	logger    *zap.Logger
	batchSize int
	notifier  Notifier
	now       func() time.Time

	// afterSelect runs between selection and expiry of each job.
	afterSelect func(models.PublishJob)
}

func New(st Store, remover Remover, logger *zap.Logger, batchSize int) *Reaper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reaper{
		store:     st,
		remover:   remover,
		logger:    logger.With(zap.String("component", "reaper")),
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier makes the reaper tell contacts their publication expired.
func (r *Reaper) SetNotifier(n Notifier) {
	r.notifier = n
}

// RunCycle expires at most one batch of jobs. Per-job failures do not stop
// the cycle; they are returned together once every job has been tried.
func (r *Reaper) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	jobs, err := r.store.FindExpired(ctx, r.now(), r.batchSize)
	if err != nil {
		return res, fmt.Errorf("find expired jobs: %w", err)
	}
	res.Selected = len(jobs)

	var errs *multierror.Error
	for _, job := range jobs {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if r.afterSelect != nil {
			r.afterSelect(job)
		}
		log := r.logger.With(zap.String("job_id", job.ID), zap.String("destination", job.DestinationPath))

		// The expiry is checked again against a fresh clock under the row
		// lock; a renewal since selection leaves the job alone.
		settled, expired, err := r.store.ExpireJob(ctx, job.ID, r.now(), func(locked models.PublishJob) error {
			return r.remover.Remove(ctx, locked.DestinationPath, locked.Mode)
		})
		switch {
		case errors.Is(err, models.ErrNotFound):
			res.Skipped++
			telemetry.ReaperSkipped.Inc()
		case err != nil:
			res.Failed++
			telemetry.ReaperFailures.Inc()
			log.Warn("expire job", zap.Error(err))
			errs = multierror.Append(errs, fmt.Errorf("expire %s: %w", job.ID, err))
		case !expired:
			res.Skipped++
			telemetry.ReaperSkipped.Inc()
			log.Info("job renewed or changed since selection, skipping")
		default:
			res.Expired++
			telemetry.ReaperExpired.Inc()
			log.Info("publication expired")
			notify(ctx, r.notifier, log, settled)
		}
	}
	if res.Selected > 0 {
		r.logger.Info("reaper cycle finished",
			zap.Int("selected", res.Selected), zap.Int("expired", res.Expired),
			zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	}
	return res, errs.ErrorOrNil()
}

// Notifier tells a job's contact how it ended.
type Notifier interface {
	Notify(ctx context.Context, job models.PublishJob) error
}

func notify(ctx context.Context, n Notifier, log *zap.Logger, job models.PublishJob) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, job); err != nil {
		log.Warn("notify contact", zap.Error(err))
	}
}
