package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dataset-publisher/internal/models"
)

const liveDestinationIndex = "publish_jobs_live_destination"

const jobColumns = `id, repository_name, source_path, destination_path, mode, state, version,
	file_name, owner, contact, source_size, source_checksum, worker_id, attempt_count,
	error_detail, downloads, created_at, started_at, finished_at, expires_at, updated_at`

// Store wraps pgxpool for Postgres persistence of publish jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// transact runs fn inside a transaction, committing only if fn succeeds.
func transact[T any](ctx context.Context, s *Store, fn func(pgx.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// Create inserts a pending job. The caller supplies every immutable field;
// id, state, attempt count and timestamps are filled in when unset.
func (s *Store) Create(ctx context.Context, job models.PublishJob) (models.PublishJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.AttemptCount == 0 {
		job.AttemptCount = 1
	}
	job.State = models.StatePending

	return transact(ctx, s, func(tx pgx.Tx) (models.PublishJob, error) {
		var created models.PublishJob
		err := pgxscan.Get(ctx, tx, &created, `
			INSERT INTO publish_jobs (id, repository_name, source_path, destination_path, mode, state, version,
				file_name, owner, contact, source_size, source_checksum, attempt_count, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $14)
			RETURNING `+jobColumns,
			job.ID, job.RepositoryName, job.SourcePath, job.DestinationPath, string(job.Mode), string(job.State), job.Version,
			job.FileName, job.Owner, job.Contact, job.SourceSize, job.SourceChecksum, job.AttemptCount, job.CreatedAt, job.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err, liveDestinationIndex) {
				return models.PublishJob{}, &models.ConflictError{DestinationPath: job.DestinationPath}
			}
			return models.PublishJob{}, fmt.Errorf("insert job: %w", err)
		}
		if err := appendEvent(ctx, tx, created.ID, nil, models.StatePending, "submitted"); err != nil {
			return models.PublishJob{}, err
		}
		return created, nil
	})
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.PublishJob, error) {
	return getJob(ctx, s.pool, id, false)
}

// List returns jobs matching filter, newest first.
func (s *Store) List(ctx context.Context, filter models.JobFilter) ([]models.PublishJob, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if filter.FileName != "" {
		args = append(args, "%"+escapeLike(filter.FileName)+"%")
		where = append(where, fmt.Sprintf("file_name ILIKE $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM publish_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var jobs []models.PublishJob
	if err := pgxscan.Select(ctx, s.pool, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Transition moves a job from one state to another only if it is still in
// the expected state. Nil fields leave columns untouched; an expiry is only
// recorded if none is set, and entering expired clears it.
func (s *Store) Transition(ctx context.Context, id string, from, to models.State, fields models.TransitionFields) (models.PublishJob, error) {
	if !models.CanTransition(from, to) {
		return models.PublishJob{}, &models.IllegalTransitionError{From: from, To: to}
	}
	return transact(ctx, s, func(tx pgx.Tx) (models.PublishJob, error) {
		var job models.PublishJob
		err := pgxscan.Get(ctx, tx, &job, `
			UPDATE publish_jobs SET
				state = $3::text,
				started_at = COALESCE($4::timestamptz, started_at),
				finished_at = COALESCE($5::timestamptz, finished_at),
				expires_at = CASE WHEN $3::text = 'expired' THEN NULL ELSE COALESCE(expires_at, $6::timestamptz) END,
				error_detail = COALESCE($7::text, error_detail),
				worker_id = COALESCE($8::text, worker_id),
				updated_at = NOW()
			WHERE id = $1 AND state = $2
				AND ($9::text IS NULL OR worker_id = $9::text)
				AND ($10::int IS NULL OR attempt_count = $10::int)
			RETURNING `+jobColumns,
			id, string(from), string(to), fields.StartedAt, fields.FinishedAt, fields.ExpiresAt, fields.ErrorDetail, fields.WorkerID,
			fields.OwnerWorker, fields.OwnerAttempt)
		if pgxscan.NotFound(err) {
			return models.PublishJob{}, staleOrMissing(ctx, tx, id, from)
		}
		if err != nil {
			return models.PublishJob{}, fmt.Errorf("transition job %s: %w", id, err)
		}
		detail := ""
		if fields.ErrorDetail != nil {
			detail = *fields.ErrorDetail
		}
		if err := appendEvent(ctx, tx, id, &from, to, detail); err != nil {
			return models.PublishJob{}, err
		}
		return job, nil
	})
}

// FindExpired returns done jobs whose expiry is at or before now, oldest expiry first.
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.PublishJob, error) {
	var jobs []models.PublishJob
	err := pgxscan.Select(ctx, s.pool, &jobs, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE state = 'done' AND expires_at <= $1
		ORDER BY expires_at ASC, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired jobs: %w", err)
	}
	return jobs, nil
}

// ExpireJob locks a done job, re-checks that it is still expired at now, runs
// remove while holding the lock and then moves the job to expired. A renewal
// committed before the lock was taken makes it report false without calling
// remove; a renewal arriving later waits and then finds the job expired.
func (s *Store) ExpireJob(ctx context.Context, id string, now time.Time, remove func(models.PublishJob) error) (models.PublishJob, bool, error) {
	type result struct {
		job     models.PublishJob
		expired bool
	}
	res, err := transact(ctx, s, func(tx pgx.Tx) (result, error) {
		job, err := getJob(ctx, tx, id, true)
		if err != nil {
			return result{}, err
		}
		if job.State != models.StateDone || !job.ExpiredAt(now) {
			return result{job: job}, nil
		}
		if err := remove(job); err != nil {
			return result{}, err
		}
		var expired models.PublishJob
		err = pgxscan.Get(ctx, tx, &expired, `
			UPDATE publish_jobs SET state = 'expired', expires_at = NULL, updated_at = NOW()
			WHERE id = $1 AND state = 'done'
			RETURNING `+jobColumns, id)
		if err != nil {
			return result{}, fmt.Errorf("expire job %s: %w", id, err)
		}
		from := models.StateDone
		if err := appendEvent(ctx, tx, id, &from, models.StateExpired, "publication removed"); err != nil {
			return result{}, err
		}
		return result{job: expired, expired: true}, nil
	})
	return res.job, res.expired, err
}

// FindRunning returns running jobs that started at or before startedBefore.
func (s *Store) FindRunning(ctx context.Context, startedBefore time.Time) ([]models.PublishJob, error) {
	var jobs []models.PublishJob
	err := pgxscan.Select(ctx, s.pool, &jobs, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE state = 'running' AND started_at <= $1
		ORDER BY started_at ASC, id`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("find running jobs: %w", err)
	}
	return jobs, nil
}

// RequestRetry moves an errored job back to pending and counts the new
// attempt. The expiry is pushed to minExpiry if that is later.
func (s *Store) RequestRetry(ctx context.Context, id string, maxAttempts int, minExpiry *time.Time) (models.PublishJob, error) {
	return transact(ctx, s, func(tx pgx.Tx) (models.PublishJob, error) {
		job, err := getJob(ctx, tx, id, true)
		if err != nil {
			return models.PublishJob{}, err
		}
		if job.State != models.StateError {
			return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "retry", State: job.State}
		}
		if job.AttemptCount >= maxAttempts {
			return models.PublishJob{}, &models.RetryLimitError{JobID: id, Attempts: job.AttemptCount, Max: maxAttempts}
		}
		var retried models.PublishJob
		err = pgxscan.Get(ctx, tx, &retried, `
			UPDATE publish_jobs SET
				state = 'pending',
				attempt_count = attempt_count + 1,
				error_detail = NULL,
				worker_id = NULL,
				started_at = NULL,
				finished_at = NULL,
				expires_at = GREATEST(expires_at, $2::timestamptz),
				updated_at = NOW()
			WHERE id = $1 AND state = 'error'
			RETURNING `+jobColumns, id, minExpiry)
		if err != nil {
			return models.PublishJob{}, fmt.Errorf("retry job %s: %w", id, err)
		}
		from := models.StateError
		detail := fmt.Sprintf("retry requested (attempt %d of %d)", retried.AttemptCount, maxAttempts)
		if err := appendEvent(ctx, tx, id, &from, models.StatePending, detail); err != nil {
			return models.PublishJob{}, err
		}
		return retried, nil
	})
}

// Renew sets a new expiry on a pending, running or done job.
func (s *Store) Renew(ctx context.Context, id string, expiresAt time.Time) (models.PublishJob, error) {
	return transact(ctx, s, func(tx pgx.Tx) (models.PublishJob, error) {
		job, err := getJob(ctx, tx, id, true)
		if err != nil {
			return models.PublishJob{}, err
		}
		if !models.Renewable(job.State) {
			return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "renew", State: job.State}
		}
		if err := models.CheckRenewal(job, expiresAt); err != nil {
			return models.PublishJob{}, err
		}
		var renewed models.PublishJob
		err = pgxscan.Get(ctx, tx, &renewed, `
			UPDATE publish_jobs SET expires_at = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns, id, expiresAt)
		if err != nil {
			return models.PublishJob{}, fmt.Errorf("renew job %s: %w", id, err)
		}
		detail := "renewed until " + expiresAt.UTC().Format(time.RFC3339)
		if err := appendEvent(ctx, tx, id, &job.State, job.State, detail); err != nil {
			return models.PublishJob{}, err
		}
		return renewed, nil
	})
}

// RecordDownload counts one download of a done job's publication.
func (s *Store) RecordDownload(ctx context.Context, id string) (models.PublishJob, error) {
	var job models.PublishJob
	err := pgxscan.Get(ctx, s.pool, &job, `
		UPDATE publish_jobs SET downloads = downloads + 1
		WHERE id = $1 AND state = 'done'
		RETURNING `+jobColumns, id)
	if pgxscan.NotFound(err) {
		current, err := getJob(ctx, s.pool, id, false)
		if err != nil {
			return models.PublishJob{}, err
		}
		return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "download", State: current.State}
	}
	if err != nil {
		return models.PublishJob{}, fmt.Errorf("record download of %s: %w", id, err)
	}
	return job, nil
}

// DeletePending removes a job that no worker has claimed yet.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	_, err := transact(ctx, s, func(tx pgx.Tx) (struct{}, error) {
		tag, err := tx.Exec(ctx, `DELETE FROM publish_jobs WHERE id = $1 AND state = 'pending'`, id)
		if err != nil {
			return struct{}{}, fmt.Errorf("delete job %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			return struct{}{}, nil
		}
		job, err := getJob(ctx, tx, id, false)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, &models.InvalidStateError{JobID: id, Operation: "cancel", State: job.State}
	})
	return err
}

// CountByState returns how many jobs are in each state. Every state is present.
func (s *Store) CountByState(ctx context.Context) (map[models.State]int64, error) {
	var rows []struct {
		State string `db:"state"`
		Count int64  `db:"count"`
	}
	if err := pgxscan.Select(ctx, s.pool, &rows, `SELECT state, COUNT(*) AS count FROM publish_jobs GROUP BY state`); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := make(map[models.State]int64, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[models.State(r.State)] = r.Count
	}
	return counts, nil
}

// OldestPending returns the creation time of the oldest pending job, or nil.
func (s *Store) OldestPending(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MIN(created_at) FROM publish_jobs WHERE state = 'pending'`).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("oldest pending job: %w", err)
	}
	return oldest, nil
}

// Events returns the audit trail of a job in the order it was recorded.
func (s *Store) Events(ctx context.Context, id string) ([]models.JobEvent, error) {
	var events []models.JobEvent
	err := pgxscan.Select(ctx, s.pool, &events, `
		SELECT job_id, from_state, to_state, detail, recorded_at
		FROM job_events WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", id, err)
	}
	return events, nil
}

func getJob(ctx context.Context, q pgxscan.Querier, id string, forUpdate bool) (models.PublishJob, error) {
	query := `SELECT ` + jobColumns + ` FROM publish_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var job models.PublishJob
	if err := pgxscan.Get(ctx, q, &job, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return models.PublishJob{}, &models.NotFoundError{Kind: "job", Key: id}
		}
		return models.PublishJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func staleOrMissing(ctx context.Context, tx pgx.Tx, id string, expected models.State) error {
	var (
		actual  string
		worker  *string
		attempt int
	)
	err := tx.QueryRow(ctx, `SELECT state, worker_id, attempt_count FROM publish_jobs WHERE id = $1`, id).Scan(&actual, &worker, &attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.NotFoundError{Kind: "job", Key: id}
	}
	if err != nil {
		return fmt.Errorf("read state of %s: %w", id, err)
	}
	stale := &models.StaleStateError{JobID: id, Expected: expected, Actual: models.State(actual)}
	if stale.Actual == expected {
		stale.Owner = ownerLabel(worker, attempt)
	}
	return stale
}

func ownerLabel(worker *string, attempt int) string {
	name := "no worker"
	if worker != nil {
		name = "worker " + *worker
	}
	return fmt.Sprintf("%s on attempt %d", name, attempt)
}

func appendEvent(ctx context.Context, tx pgx.Tx, jobID string, from *models.State, to models.State, detail string) error {
	var fromText *string
	if from != nil {
		fromText = models.Ptr(string(*from))
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, from_state, to_state, detail, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, fromText, string(to), detail)
	if err != nil {
		return fmt.Errorf("append event for %s: %w", jobID, err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraint
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
