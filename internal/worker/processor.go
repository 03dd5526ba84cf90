package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/models"
	"dataset-publisher/internal/publish"
	"dataset-publisher/internal/registry"
	"dataset-publisher/internal/telemetry"
)

// Store is the part of the job store a worker needs.
type Store interface {
	Get(ctx context.Context, id string) (models.PublishJob, error)
	Transition(ctx context.Context, id string, from, to models.State, fields models.TransitionFields) (models.PublishJob, error)
}

// Queue is the task queue as seen by a worker.
type Queue interface {
	Dequeue(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
}

// Notifier tells a job's contact how it ended.
type Notifier interface {
	Notify(ctx context.Context, job models.PublishJob) error
}

// Repositories resolves repository names.
type Repositories interface {
	Lookup(name string) (registry.Repository, error)
}

// Outcome is what processing one delivery amounted to.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeError    Outcome = "error"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRequeued Outcome = "requeued"
)

// Processor drives the worker execution loop for one execution unit.
type Processor struct {
	cfg      config.Config
	store    Store
	queue    Queue
	repos    Repositories
	backend  publish.Backend
	logger   *zap.Logger
	workerID string
	notifier Notifier
	now      func() time.Time
}

// NewProcessor creates a processor identified by workerID in job rows and heartbeats.
func NewProcessor(cfg config.Config, st Store, q Queue, repos Repositories, backend publish.Backend, logger *zap.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		queue:    q,
		repos:    repos,
		backend:  backend,
		logger:   logger.With(zap.String("worker_id", workerID)),
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier makes the processor report settled jobs to their contact.
func (p *Processor) SetNotifier(n Notifier) {
	p.notifier = n
}

// Run dequeues and processes tasks until ctx is cancelled. A task that is
// already being processed when ctx is cancelled runs to completion.
//
// A requeued delivery means the store is failing; the processor then waits
// with growing delays before taking the next task, so a database outage
// does not turn into a redelivery spin.
func (p *Processor) Run(ctx context.Context) error {
	requeued := &backoff.Backoff{
		Min:    p.cfg.WorkerPollInterval,
		Max:    p.cfg.VisibilityTimeout,
		Factor: 2,
		Jitter: true,
	}
	for {
		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("dequeue failed", zap.Error(err))
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return nil
			}
			continue
		}
		if p.Process(context.WithoutCancel(ctx), jobID) != OutcomeRequeued {
			requeued.Reset()
			continue
		}
		wait := requeued.Duration()
		p.logger.Warn("task requeued, pausing before the next delivery", zap.Duration("pause", wait))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process handles one delivery of jobID. The task is acknowledged only once
// the job's outcome is stored; when the store cannot be updated it is
// released for redelivery instead.
func (p *Processor) Process(ctx context.Context, jobID string) Outcome {
	log := p.logger.With(zap.String("job_id", jobID))

	job, err := p.store.Get(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("job no longer exists, dropping task")
		telemetry.DuplicateDeliveries.Inc()
		return p.ack(ctx, log, jobID, OutcomeSkipped)
	}
	if err != nil {
		log.Error("load job", zap.Error(err))
		return p.nack(ctx, log, jobID)
	}

	claimed, err := p.store.Transition(ctx, jobID, models.StatePending, models.StateRunning, models.TransitionFields{
		StartedAt: models.Ptr(p.now()),
		WorkerID:  models.Ptr(p.workerID),
	})
	if models.IsStale(err) || errors.Is(err, models.ErrNotFound) {
		log.Info("job already claimed or gone, dropping duplicate delivery", zap.String("state", string(job.State)))
		telemetry.DuplicateDeliveries.Inc()
		return p.ack(ctx, log, jobID, OutcomeSkipped)
	}
	if err != nil {
		log.Error("claim job", zap.Error(err))
		return p.nack(ctx, log, jobID)
	}
	telemetry.ClaimedCounter.Inc()
	log.Info("job claimed", zap.String("destination", claimed.DestinationPath), zap.Int("attempt", claimed.AttemptCount))

	stop := p.keepAlive(ctx, jobID)
	start := time.Now()
	expiry, execErr := p.execute(ctx, log, claimed)
	telemetry.TransferDuration.Observe(time.Since(start).Seconds())
	stop()

	finished := p.now()
	owner := models.TransitionFields{
		OwnerWorker:  models.Ptr(p.workerID),
		OwnerAttempt: models.Ptr(claimed.AttemptCount),
	}
	if execErr == nil {
		fields := owner
		fields.FinishedAt = models.Ptr(finished)
		fields.ExpiresAt = models.Ptr(finished.Add(expiry))
		done, err := p.store.Transition(ctx, jobID, models.StateRunning, models.StateDone, fields)
		if models.IsStale(err) || errors.Is(err, models.ErrNotFound) {
			log.Warn("lost job while publishing", zap.Error(err))
			p.dropOrphan(ctx, log, claimed)
			return p.ack(ctx, log, jobID, OutcomeSkipped)
		}
		if err != nil {
			log.Error("record completion", zap.Error(err))
			return p.nack(ctx, log, jobID)
		}
		telemetry.DoneCounter.Inc()
		log.Info("job published", zap.Duration("elapsed", time.Since(start)))
		p.notify(ctx, log, done)
		return p.ack(ctx, log, jobID, OutcomeDone)
	}

	detail := execErr.Error()
	fields := owner
	fields.FinishedAt = models.Ptr(finished)
	fields.ErrorDetail = models.Ptr(detail)
	failed, err := p.store.Transition(ctx, jobID, models.StateRunning, models.StateError, fields)
	if models.IsStale(err) || errors.Is(err, models.ErrNotFound) {
		log.Warn("lost job while failing it", zap.Error(err))
		return p.ack(ctx, log, jobID, OutcomeSkipped)
	}
	if err != nil {
		log.Error("record failure", zap.Error(err))
		return p.nack(ctx, log, jobID)
	}
	telemetry.FailedCounter.WithLabelValues(failureReason(execErr)).Inc()
	log.Warn("job failed", zap.Error(execErr))
	p.notify(ctx, log, failed)
	return p.ack(ctx, log, jobID, OutcomeError)
}

func (p *Processor) notify(ctx context.Context, log *zap.Logger, job models.PublishJob) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, job); err != nil {
		log.Warn("notify contact", zap.Error(err))
	}
}

// dropOrphan removes what this attempt published after its completion lost
// the race. The artifact is only taken down when no other attempt can own the
// destination: the job is gone, expired, or still failed on our attempt.
// Anything else belongs to a later attempt, which replaces leftovers itself.
func (p *Processor) dropOrphan(ctx context.Context, log *zap.Logger, claimed models.PublishJob) {
	current, err := p.store.Get(ctx, claimed.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		log.Error("reload lost job, leaving artifact in place", zap.Error(err))
		return
	case current.State == models.StateExpired:
	case current.State == models.StateError && current.AttemptCount == claimed.AttemptCount:
	default:
		log.Info("job is held by another attempt, keeping artifact",
			zap.String("state", string(current.State)), zap.Int("attempt", current.AttemptCount))
		return
	}
	log.Warn("removing orphaned artifact", zap.String("destination", claimed.DestinationPath))
	if err := p.backend.Remove(ctx, claimed.DestinationPath, claimed.Mode); err != nil {
		log.Error("remove orphaned artifact", zap.Error(err))
	}
}

// execute validates the job against its repository and transfers it. It
// returns the expiration to apply if the job somehow has none.
func (p *Processor) execute(ctx context.Context, log *zap.Logger, job models.PublishJob) (time.Duration, error) {
	repo, err := p.repos.Lookup(job.RepositoryName)
	if err != nil {
		return registry.DefaultExpiration, err
	}
	if !repo.AllowsMode(job.Mode) {
		return repo.DefaultExpiration, &models.PolicyViolationError{
			Repository: repo.Name,
			Reason:     fmt.Sprintf("mode %q is not allowed", job.Mode),
		}
	}
	source, err := repo.Resolve(job.SourcePath)
	if err != nil {
		return repo.DefaultExpiration, err
	}
	info, err := os.Lstat(source)
	if err != nil {
		return repo.DefaultExpiration, publish.Classify("stat", source, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return repo.DefaultExpiration, &models.PolicyViolationError{Repository: repo.Name, Reason: fmt.Sprintf("source %q is a symlink", job.SourcePath)}
	}
	if err := p.backend.Check(job.Mode, info.IsDir()); err != nil {
		return repo.DefaultExpiration, err
	}

	req := publish.Request{
		JobID:       job.ID,
		Source:      source,
		Destination: job.DestinationPath,
		Mode:        job.Mode,
		Expected:    publish.Snapshot{Size: job.SourceSize, Checksum: job.SourceChecksum, Dir: info.IsDir()},
	}
	return repo.DefaultExpiration, p.transfer(ctx, log, req)
}

// transfer publishes with up to TransferRetries retries of transient failures.
func (p *Processor) transfer(ctx context.Context, log *zap.Logger, req publish.Request) error {
	b := &backoff.Backoff{
		Min:    p.cfg.TransferBackoffMin,
		Max:    p.cfg.TransferBackoffMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		err := p.backend.Publish(ctx, req)
		if err == nil || !models.IsTransient(err) {
			return err
		}
		if int(b.Attempt()) >= p.cfg.TransferRetries {
			return fmt.Errorf("giving up after %d retries: %w", p.cfg.TransferRetries, err)
		}
		wait := b.Duration()
		telemetry.TransferRetries.Inc()
		log.Warn("transient transfer failure, retrying", zap.Error(err), zap.Float64("retry", b.Attempt()), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}

// keepAlive refreshes this worker's heartbeat and the task lease until the
// returned stop function is called.
func (p *Processor) keepAlive(ctx context.Context, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	beat := func() {
		if err := p.queue.Heartbeat(ctx, p.workerID, p.cfg.HeartbeatTTL); err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed", zap.Error(err))
		}
		if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
			p.logger.Warn("extend lease failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	beat()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Processor) ack(ctx context.Context, log *zap.Logger, jobID string, outcome Outcome) Outcome {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		// The outcome is stored; a redelivery will be dropped as a duplicate.
		log.Warn("ack failed", zap.Error(err))
	}
	return outcome
}

func (p *Processor) nack(ctx context.Context, log *zap.Logger, jobID string) Outcome {
	telemetry.RequeuedCounter.Inc()
	if err := p.queue.Nack(ctx, jobID); err != nil {
		log.Error("nack failed, task will return when its lease expires", zap.Error(err))
	}
	return OutcomeRequeued
}

func failureReason(err error) string {
	var pv *models.PolicyViolationError
	var te *models.TransferError
	switch {
	case errors.As(err, &pv):
		return "policy"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.As(err, &te):
		return "transfer"
	default:
		return "other"
	}
}
