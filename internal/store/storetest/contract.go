package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-publisher/internal/models"
)

// JobStore is the contract shared by the Postgres and in-memory stores.
type JobStore interface {
	Create(ctx context.Context, job models.PublishJob) (models.PublishJob, error)
	Get(ctx context.Context, id string) (models.PublishJob, error)
	List(ctx context.Context, filter models.JobFilter) ([]models.PublishJob, error)
	Transition(ctx context.Context, id string, from, to models.State, fields models.TransitionFields) (models.PublishJob, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.PublishJob, error)
	ExpireJob(ctx context.Context, id string, now time.Time, remove func(models.PublishJob) error) (models.PublishJob, bool, error)
	FindRunning(ctx context.Context, startedBefore time.Time) ([]models.PublishJob, error)
	RequestRetry(ctx context.Context, id string, maxAttempts int, minExpiry *time.Time) (models.PublishJob, error)
	Renew(ctx context.Context, id string, expiresAt time.Time) (models.PublishJob, error)
	RecordDownload(ctx context.Context, id string) (models.PublishJob, error)
	DeletePending(ctx context.Context, id string) error
	CountByState(ctx context.Context) (map[models.State]int64, error)
	OldestPending(ctx context.Context) (*time.Time, error)
	Events(ctx context.Context, id string) ([]models.JobEvent, error)
}

var seq atomic.Int64

// NewJob returns a valid pending job with a unique destination.
func NewJob(now time.Time) models.PublishJob {
	n := seq.Add(1)
	return models.PublishJob{
		RepositoryName:  "archive",
		SourcePath:      fmt.Sprintf("runs/file%d.csv", n),
		DestinationPath: fmt.Sprintf("archive/file%d_v1.csv", n),
		Mode:            models.ModeCopy,
		Version:         1,
		FileName:        fmt.Sprintf("file%d.csv", n),
		Owner:           "tester",
		SourceSize:      42,
		SourceChecksum:  "abc",
		CreatedAt:       now,
		ExpiresAt:       models.Ptr(now.Add(time.Hour)),
	}
}

func expiringJob(now, expires time.Time) models.PublishJob {
	job := NewJob(now)
	job.ExpiresAt = models.Ptr(expires)
	return job
}

// RunContract exercises a JobStore implementation. open must return an empty store.
func RunContract(t *testing.T, open func(t *testing.T) JobStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		require.NotEmpty(t, job.ID)
		require.Equal(t, models.StatePending, job.State)
		require.Equal(t, 1, job.AttemptCount)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job.DestinationPath, got.DestinationPath)
		require.True(t, got.ExpiresAt.Equal(*job.ExpiresAt))

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("live destination is unique until expiry", func(t *testing.T) {
		s := open(t)
		first, err := s.Create(ctx, expiringJob(now, now.Add(-time.Second)))
		require.NoError(t, err)

		dup := NewJob(now)
		dup.DestinationPath = first.DestinationPath
		_, err = s.Create(ctx, dup)
		var conflict *models.ConflictError
		require.ErrorAs(t, err, &conflict)

		walkToDone(t, s, first.ID, now.Add(-time.Hour), nil)
		_, expired, err := s.ExpireJob(ctx, first.ID, now, func(models.PublishJob) error { return nil })
		require.NoError(t, err)
		require.True(t, expired)

		second, err := s.Create(ctx, dup)
		require.NoError(t, err)
		require.Equal(t, first.DestinationPath, second.DestinationPath)
	})

	t.Run("transition is compare and swap", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)

		running, err := s.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
			StartedAt: models.Ptr(now), WorkerID: models.Ptr("w1"),
		})
		require.NoError(t, err)
		require.Equal(t, models.StateRunning, running.State)
		require.Equal(t, "w1", *running.WorkerID)
		require.True(t, running.StartedAt.Equal(now))

		_, err = s.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{})
		var stale *models.StaleStateError
		require.ErrorAs(t, err, &stale)
		require.Equal(t, models.StateRunning, stale.Actual)

		_, err = s.Transition(ctx, job.ID, models.StateRunning, models.StatePending, models.TransitionFields{})
		var illegal *models.IllegalTransitionError
		require.ErrorAs(t, err, &illegal)

		_, err = s.Transition(ctx, "missing", models.StatePending, models.StateRunning, models.TransitionFields{})
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("transition out of running checks the owner", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		claimA, err := s.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
			StartedAt: models.Ptr(now), WorkerID: models.Ptr("wA"),
		})
		require.NoError(t, err)

		_, err = s.Transition(ctx, job.ID, models.StateRunning, models.StateError, models.TransitionFields{
			ErrorDetail: models.Ptr("worker lost"),
			OwnerWorker: models.Ptr("wA"), OwnerAttempt: models.Ptr(claimA.AttemptCount),
		})
		require.NoError(t, err)
		_, err = s.RequestRetry(ctx, job.ID, 3, nil)
		require.NoError(t, err)
		_, err = s.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
			StartedAt: models.Ptr(now), WorkerID: models.Ptr("wB"),
		})
		require.NoError(t, err)

		_, err = s.Transition(ctx, job.ID, models.StateRunning, models.StateDone, models.TransitionFields{
			FinishedAt:  models.Ptr(now),
			OwnerWorker: models.Ptr("wA"), OwnerAttempt: models.Ptr(claimA.AttemptCount),
		})
		var stale *models.StaleStateError
		require.ErrorAs(t, err, &stale)
		require.Equal(t, models.StateRunning, stale.Actual)
		require.NotEmpty(t, stale.Owner)

		_, err = s.Transition(ctx, job.ID, models.StateRunning, models.StateDone, models.TransitionFields{
			FinishedAt:  models.Ptr(now),
			OwnerWorker: models.Ptr("wB"), OwnerAttempt: models.Ptr(claimA.AttemptCount),
		})
		require.ErrorAs(t, err, &stale, "current worker but an older attempt")

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StateRunning, got.State)
		require.Equal(t, "wB", *got.WorkerID)
		require.Equal(t, 2, got.AttemptCount)

		done, err := s.Transition(ctx, job.ID, models.StateRunning, models.StateDone, models.TransitionFields{
			FinishedAt:  models.Ptr(now),
			OwnerWorker: models.Ptr("wB"), OwnerAttempt: models.Ptr(2),
		})
		require.NoError(t, err)
		require.Equal(t, models.StateDone, done.State)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				_, err := s.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
					StartedAt: models.Ptr(now), WorkerID: models.Ptr(fmt.Sprintf("w%d", worker)),
				})
				if err == nil {
					wins.Add(1)
					return
				}
				assert.True(t, models.IsStale(err), "unexpected error: %v", err)
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
	})

	t.Run("done keeps an existing expiry and expired clears it", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, expiringJob(now, now.Add(-time.Minute)))
		require.NoError(t, err)
		done := walkToDone(t, s, job.ID, now, models.Ptr(now.Add(48*time.Hour)))
		require.True(t, done.ExpiresAt.Equal(*job.ExpiresAt), "expiry set at creation wins")

		expired, err := s.Transition(ctx, job.ID, models.StateDone, models.StateExpired, models.TransitionFields{})
		require.NoError(t, err)
		require.Nil(t, expired.ExpiresAt)

		_, err = s.Transition(ctx, job.ID, models.StateExpired, models.StatePending, models.TransitionFields{})
		var illegal *models.IllegalTransitionError
		require.ErrorAs(t, err, &illegal)
	})

	t.Run("find expired orders by expiry", func(t *testing.T) {
		s := open(t)
		var ids []string
		for _, age := range []time.Duration{time.Minute, time.Hour, time.Second} {
			job, err := s.Create(ctx, expiringJob(now, now.Add(-age)))
			require.NoError(t, err)
			walkToDone(t, s, job.ID, now, nil)
			ids = append(ids, job.ID)
		}
		fresh, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		walkToDone(t, s, fresh.ID, now, nil)

		found, err := s.FindExpired(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, found, 3)
		require.Equal(t, []string{ids[1], ids[0], ids[2]}, []string{found[0].ID, found[1].ID, found[2].ID})

		limited, err := s.FindExpired(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
	})

	t.Run("expire job rechecks under lock", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		walkToDone(t, s, job.ID, now, nil)

		called := false
		kept, expired, err := s.ExpireJob(ctx, job.ID, now, func(models.PublishJob) error { called = true; return nil })
		require.NoError(t, err)
		require.False(t, expired, "expiry is an hour away")
		require.False(t, called)
		require.Equal(t, models.StateDone, kept.State)

		later := now.Add(2 * time.Hour)
		boom := errors.New("remove failed")
		_, expired, err = s.ExpireJob(ctx, job.ID, later, func(models.PublishJob) error { return boom })
		require.ErrorIs(t, err, boom)
		require.False(t, expired)
		still, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StateDone, still.State)

		_, expired, err = s.ExpireJob(ctx, job.ID, later, func(models.PublishJob) error { return nil })
		require.NoError(t, err)
		require.True(t, expired)
		_, expired, err = s.ExpireJob(ctx, job.ID, later, func(models.PublishJob) error { return nil })
		require.NoError(t, err)
		require.False(t, expired)
	})

	t.Run("retry is bounded", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)

		_, err = s.RequestRetry(ctx, job.ID, 2, nil)
		var invalid *models.InvalidStateError
		require.ErrorAs(t, err, &invalid)

		fail(t, s, job.ID, now)
		retried, err := s.RequestRetry(ctx, job.ID, 2, models.Ptr(now.Add(2*time.Hour)))
		require.NoError(t, err)
		require.Equal(t, models.StatePending, retried.State)
		require.Equal(t, 2, retried.AttemptCount)
		require.Nil(t, retried.ErrorDetail)
		require.Nil(t, retried.StartedAt)
		require.True(t, retried.ExpiresAt.Equal(now.Add(2*time.Hour)))

		fail(t, s, job.ID, now)
		_, err = s.RequestRetry(ctx, job.ID, 2, nil)
		var limit *models.RetryLimitError
		require.ErrorAs(t, err, &limit)
		final, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StateError, final.State)
	})

	t.Run("renew only live unexpired states", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		renewed, err := s.Renew(ctx, job.ID, now.Add(5*time.Hour))
		require.NoError(t, err)
		require.True(t, renewed.ExpiresAt.Equal(now.Add(5*time.Hour)))

		_, err = s.Renew(ctx, job.ID, now.Add(4*time.Hour))
		var ve *models.ValidationError
		require.ErrorAs(t, err, &ve, "renewal never shortens the lifetime")
		kept, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, kept.ExpiresAt.Equal(now.Add(5*time.Hour)))
		_, err = s.Renew(ctx, job.ID, now.Add(5*time.Hour))
		require.NoError(t, err, "renewing to the same instant is allowed")

		fail(t, s, job.ID, now)
		_, err = s.Renew(ctx, job.ID, now.Add(6*time.Hour))
		var invalid *models.InvalidStateError
		require.ErrorAs(t, err, &invalid)

		_, err = s.Renew(ctx, "missing", now)
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("downloads are counted on done jobs", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		require.Zero(t, job.Downloads)

		_, err = s.RecordDownload(ctx, job.ID)
		var invalid *models.InvalidStateError
		require.ErrorAs(t, err, &invalid)

		walkToDone(t, s, job.ID, now, nil)
		for i := 1; i <= 2; i++ {
			got, err := s.RecordDownload(ctx, job.ID)
			require.NoError(t, err)
			require.EqualValues(t, i, got.Downloads)
		}
		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		require.EqualValues(t, 2, got.Downloads)

		_, err = s.RecordDownload(ctx, "missing")
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("delete pending only", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		require.NoError(t, s.DeletePending(ctx, job.ID))
		_, err = s.Get(ctx, job.ID)
		require.ErrorIs(t, err, models.ErrNotFound)
		require.ErrorIs(t, s.DeletePending(ctx, job.ID), models.ErrNotFound)

		other, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		_, err = s.Transition(ctx, other.ID, models.StatePending, models.StateRunning, models.TransitionFields{StartedAt: models.Ptr(now)})
		require.NoError(t, err)
		var invalid *models.InvalidStateError
		require.ErrorAs(t, s.DeletePending(ctx, other.ID), &invalid)
	})

	t.Run("list filters and stats", func(t *testing.T) {
		s := open(t)
		a := NewJob(now.Add(-2 * time.Minute))
		a.FileName = "Genome_Assembly.fa"
		a.Owner = "alice"
		b := NewJob(now.Add(-time.Minute))
		b.Owner = "bob"
		created := make([]models.PublishJob, 0, 2)
		for _, j := range []models.PublishJob{a, b} {
			job, err := s.Create(ctx, j)
			require.NoError(t, err)
			created = append(created, job)
		}
		_, err := s.Transition(ctx, created[1].ID, models.StatePending, models.StateRunning, models.TransitionFields{StartedAt: models.Ptr(now.Add(-30 * time.Minute))})
		require.NoError(t, err)

		pending, err := s.List(ctx, models.JobFilter{States: []models.State{models.StatePending}})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, created[0].ID, pending[0].ID)

		all, err := s.List(ctx, models.JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, created[1].ID, all[0].ID, "newest first")

		byName, err := s.List(ctx, models.JobFilter{FileName: "genome"})
		require.NoError(t, err)
		require.Len(t, byName, 1)

		byOwner, err := s.List(ctx, models.JobFilter{Owner: "bob"})
		require.NoError(t, err)
		require.Len(t, byOwner, 1)

		counts, err := s.CountByState(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, counts[models.StatePending])
		require.EqualValues(t, 1, counts[models.StateRunning])
		require.EqualValues(t, 0, counts[models.StateExpired])

		oldest, err := s.OldestPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, oldest)
		require.True(t, oldest.Equal(a.CreatedAt))

		stuck, err := s.FindRunning(ctx, now.Add(-10*time.Minute))
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		none, err := s.FindRunning(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("events follow the lifecycle", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, NewJob(now))
		require.NoError(t, err)
		fail(t, s, job.ID, now)

		events, err := s.Events(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		require.Nil(t, events[0].FromState)
		require.Equal(t, models.StatePending, events[0].ToState)
		require.Equal(t, models.StateRunning, events[1].ToState)
		require.Equal(t, models.StateError, events[2].ToState)
		require.Equal(t, "disk on fire", events[2].Detail)
	})
}

func walkToDone(t *testing.T, s JobStore, id string, started time.Time, expires *time.Time) models.PublishJob {
	t.Helper()
	ctx := context.Background()
	_, err := s.Transition(ctx, id, models.StatePending, models.StateRunning, models.TransitionFields{StartedAt: models.Ptr(started)})
	require.NoError(t, err)
	done, err := s.Transition(ctx, id, models.StateRunning, models.StateDone, models.TransitionFields{
		FinishedAt: models.Ptr(started), ExpiresAt: expires,
	})
	require.NoError(t, err)
	return done
}

func fail(t *testing.T, s JobStore, id string, now time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Transition(ctx, id, models.StatePending, models.StateRunning, models.TransitionFields{StartedAt: models.Ptr(now)})
	require.NoError(t, err)
	_, err = s.Transition(ctx, id, models.StateRunning, models.StateError, models.TransitionFields{
		FinishedAt: models.Ptr(now), ErrorDetail: models.Ptr("disk on fire"),
	})
	require.NoError(t, err)
}
