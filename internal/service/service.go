// Package service is the submission and status surface shared by the HTTP
// API and the operator CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"dataset-publisher/internal/models"
	"dataset-publisher/internal/publish"
	"dataset-publisher/internal/registry"
	"dataset-publisher/internal/telemetry"
)

// DefaultOwner is recorded when a submission names no owner.
const DefaultOwner = "anonymous"

// Store is the job store as used by the service.
type Store interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, job models.PublishJob) (models.PublishJob, error)
	Get(ctx context.Context, id string) (models.PublishJob, error)
	List(ctx context.Context, filter models.JobFilter) ([]models.PublishJob, error)
	RequestRetry(ctx context.Context, id string, maxAttempts int, minExpiry *time.Time) (models.PublishJob, error)
	Renew(ctx context.Context, id string, expiresAt time.Time) (models.PublishJob, error)
	RecordDownload(ctx context.Context, id string) (models.PublishJob, error)
	DeletePending(ctx context.Context, id string) error
	CountByState(ctx context.Context) (map[models.State]int64, error)
	OldestPending(ctx context.Context) (*time.Time, error)
	Events(ctx context.Context, id string) ([]models.JobEvent, error)
}

// Queue is the task queue as used by submitters.
type Queue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// Repositories resolves repository names.
type Repositories interface {
	Lookup(name string) (registry.Repository, error)
}

// SubmitRequest asks for a dataset to be published.
type SubmitRequest struct {
	Repository string      `json:"repository"`
	SourcePath string      `json:"source_path"`
	Mode       models.Mode `json:"mode,omitempty"`
	Version    int         `json:"version,omitempty"`
	Owner      string      `json:"owner,omitempty"`
	Contact    string      `json:"contact,omitempty"`
	// ExpiresAt overrides the repository's default expiration.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Service validates submissions and exposes job state.
type Service struct {
	store       Store
	queue       Queue
	repos       Repositories
	backend     publish.Backend
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func New(st Store, q Queue, repos Repositories, backend publish.Backend, logger *zap.Logger, maxAttempts int) *Service {
	return &Service{
		store:       st,
		queue:       q,
		repos:       repos,
		backend:     backend,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates a request against its repository's policy, records a
// pending job and enqueues it. Requests that break policy are rejected
// before anything is written; they are counted and logged so the refusal
// is still visible to operators.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.PublishJob, error) {
	job, err := s.submit(ctx, req)
	if reason := rejectReason(err); reason != "" {
		telemetry.RejectedCounter.WithLabelValues(reason).Inc()
		log := s.logger.Info
		if reason == "policy" {
			log = s.logger.Warn
		}
		log("submission rejected",
			zap.String("reason", reason),
			zap.String("repository", req.Repository),
			zap.String("source", req.SourcePath),
			zap.String("owner", req.Owner),
			zap.Error(err))
	}
	return job, err
}

func rejectReason(err error) string {
	var (
		pv       *models.PolicyViolationError
		ve       *models.ValidationError
		conflict *models.ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pv):
		return "policy"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	}
	return ""
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (models.PublishJob, error) {
	repo, err := s.repos.Lookup(req.Repository)
	if err != nil {
		return models.PublishJob{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeCopy
	}
	if !mode.Valid() {
		return models.PublishJob{}, &models.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if !repo.AllowsMode(mode) {
		return models.PublishJob{}, &models.PolicyViolationError{Repository: repo.Name, Reason: fmt.Sprintf("mode %q is not allowed", mode)}
	}
	version := req.Version
	if version == 0 {
		version = 1
	}
	if version < 0 {
		return models.PublishJob{}, &models.ValidationError{Field: "version", Reason: "must be a positive integer"}
	}
	var contact *string
	if req.Contact != "" {
		addr, err := mail.ParseAddress(req.Contact)
		if err != nil || addr.Address != req.Contact {
			return models.PublishJob{}, &models.ValidationError{Field: "contact", Reason: fmt.Sprintf("%q is not an e-mail address", req.Contact)}
		}
		contact = models.Ptr(addr.Address)
	}
	owner := req.Owner
	if owner == "" {
		owner = DefaultOwner
	}

	now := s.now()
	expiresAt := now.Add(repo.DefaultExpiration)
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return models.PublishJob{}, &models.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		expiresAt = req.ExpiresAt.UTC()
	}

	source, err := repo.Resolve(req.SourcePath)
	if err != nil {
		return models.PublishJob{}, err
	}
	info, err := os.Lstat(source)
	if errors.Is(err, fs.ErrNotExist) {
		return models.PublishJob{}, &models.NotFoundError{Kind: "source", Key: req.SourcePath}
	}
	if err != nil {
		return models.PublishJob{}, fmt.Errorf("stat source: %w", err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return models.PublishJob{}, &models.PolicyViolationError{Repository: repo.Name, Reason: fmt.Sprintf("source %q is a symlink", req.SourcePath)}
	}
	if err := s.backend.Check(mode, info.IsDir()); err != nil {
		return models.PublishJob{}, err
	}

	// Links are verified by reachability only, so only copies pay for a
	// full content hash up front.
	survey := publish.Survey
	if mode == models.ModeCopy {
		survey = publish.TakeSnapshot
	}
	snap, err := survey(ctx, source)
	if err != nil {
		return models.PublishJob{}, err
	}

	rel, err := repo.Relative(source)
	if err != nil {
		return models.PublishJob{}, err
	}
	job, err := s.store.Create(ctx, models.PublishJob{
		RepositoryName:  repo.Name,
		SourcePath:      rel,
		DestinationPath: registry.DestinationFor(repo.Name, rel, version),
		Mode:            mode,
		Version:         version,
		FileName:        filepath.Base(source),
		Owner:           owner,
		Contact:         contact,
		SourceSize:      snap.Size,
		SourceChecksum:  snap.Checksum,
		CreatedAt:       now,
		ExpiresAt:       models.Ptr(expiresAt),
	})
	if err != nil {
		return models.PublishJob{}, err
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		if delErr := s.store.DeletePending(ctx, job.ID); delErr != nil {
			s.logger.Error("could not withdraw job after enqueue failure", zap.String("job_id", job.ID), zap.Error(delErr))
		}
		return models.PublishJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.SubmittedCounter.Inc()
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("repository", job.RepositoryName),
		zap.String("destination", job.DestinationPath),
		zap.String("mode", string(job.Mode)),
		zap.String("owner", job.Owner))
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.PublishJob, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs, optionally only those in state.
func (s *Service) List(ctx context.Context, state *models.State, limit int) ([]models.PublishJob, error) {
	filter := models.JobFilter{Limit: limit}
	if state != nil {
		if !state.Valid() {
			return nil, &models.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", *state)}
		}
		filter.States = []models.State{*state}
	}
	return s.store.List(ctx, filter)
}

// Search finds jobs whose file name contains fileName, ignoring case.
func (s *Service) Search(ctx context.Context, fileName string, limit int) ([]models.PublishJob, error) {
	if fileName == "" {
		return nil, &models.ValidationError{Field: "file", Reason: "must not be empty"}
	}
	return s.store.List(ctx, models.JobFilter{FileName: fileName, Limit: limit})
}

// Events returns a job's audit trail.
func (s *Service) Events(ctx context.Context, id string) ([]models.JobEvent, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// RequestRetry sends an errored job back to the queue while its attempt
// budget lasts. The retried job keeps at least a fresh default lifetime.
func (s *Service) RequestRetry(ctx context.Context, id string) (models.PublishJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return models.PublishJob{}, err
	}
	lifetime := registry.DefaultExpiration
	if repo, err := s.repos.Lookup(job.RepositoryName); err == nil {
		lifetime = repo.DefaultExpiration
	}
	retried, err := s.store.RequestRetry(ctx, id, s.maxAttempts, models.Ptr(s.now().Add(lifetime)))
	if err != nil {
		return models.PublishJob{}, err
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		return retried, fmt.Errorf("enqueue retried job (requeue it once the queue is back): %w", err)
	}
	s.logger.Info("job retry requested", zap.String("job_id", id), zap.Int("attempt", retried.AttemptCount))
	return retried, nil
}

// Requeue enqueues a pending job again, for tasks lost by the queue.
// Duplicate deliveries are harmless: only one worker can claim the job.
func (s *Service) Requeue(ctx context.Context, id string) (models.PublishJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return models.PublishJob{}, err
	}
	if job.State != models.StatePending {
		return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "requeue", State: job.State}
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		return models.PublishJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// RequestRenewal moves a live job's expiry to expiresAt, which must be in
// the future and not earlier than the current expiry.
func (s *Service) RequestRenewal(ctx context.Context, id string, expiresAt time.Time) (models.PublishJob, error) {
	if !expiresAt.After(s.now()) {
		return models.PublishJob{}, &models.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	job, err := s.store.Renew(ctx, id, expiresAt.UTC())
	if err != nil {
		return models.PublishJob{}, err
	}
	s.logger.Info("job renewed", zap.String("job_id", id), zap.Time("expires_at", expiresAt))
	return job, nil
}

// Cancel withdraws a job no worker has claimed. The row goes first: a
// worker that still receives the task finds no job and drops it.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.DeletePending(ctx, id); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		s.logger.Warn("cancelled job still queued", zap.String("job_id", id), zap.Error(err))
	}
	s.logger.Info("job cancelled", zap.String("job_id", id))
	return nil
}

// Open streams a done single-file publication.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, int64, models.PublishJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, 0, models.PublishJob{}, err
	}
	if job.State != models.StateDone {
		return nil, 0, job, &models.InvalidStateError{JobID: id, Operation: "download", State: job.State}
	}
	rc, size, err := s.backend.Open(ctx, job.DestinationPath)
	if err != nil {
		return nil, 0, job, err
	}
	counted, err := s.store.RecordDownload(ctx, id)
	if err != nil {
		// The stream is already open; a lost count does not fail the download.
		s.logger.Warn("record download", zap.String("job_id", id), zap.Error(err))
	} else {
		job = counted
	}
	telemetry.DownloadCounter.Inc()
	return rc, size, job, nil
}

// Stats reports counts per state, queue depth, in-flight tasks and the age
// of the oldest pending job.
func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("queue depth: %w", err)
	}
	inflight, err := s.queue.InFlight(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("in-flight count: %w", err)
	}
	stats := models.Stats{Counts: counts, QueueDepth: depth, InFlight: inflight}
	oldest, err := s.store.OldestPending(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	if oldest != nil {
		age := s.now().Sub(*oldest)
		if age < 0 {
			age = 0
		}
		stats.OldestPendingAge = &age
	}
	return stats, nil
}

// RecordStats mirrors Stats into the Prometheus gauges.
func (s *Service) RecordStats(ctx context.Context) error {
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	for _, st := range models.AllStates {
		telemetry.JobsByState.WithLabelValues(string(st)).Set(float64(stats.Counts[st]))
	}
	telemetry.QueueDepthGauge.Set(float64(stats.QueueDepth))
	telemetry.InFlightGauge.Set(float64(stats.InFlight))
	if stats.OldestPendingAge != nil {
		telemetry.OldestPendingGauge.Set(stats.OldestPendingAge.Seconds())
	} else {
		telemetry.OldestPendingGauge.Set(0)
	}
	return nil
}

// WatchStats calls RecordStats every interval until ctx is done.
func (s *Service) WatchStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.RecordStats(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("record stats", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Health checks the store and the queue.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}
