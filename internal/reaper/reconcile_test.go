package reaper

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dataset-publisher/internal/models"
	"dataset-publisher/internal/queue"
	"dataset-publisher/internal/store/storetest"
)

func newReconcileFixture(t *testing.T, opts ReconcileOptions) (*Reconciler, *storetest.Memory, *queue.RedisQueue, time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client, time.Minute, 10*time.Millisecond)

	st := storetest.NewMemory()
	now := time.Now().UTC()
	r := NewReconciler(st, q, opts, zap.NewNop())
	r.now = func() time.Time { return now }
	return r, st, q, now
}

func startRunning(t *testing.T, st *storetest.Memory, worker string, started time.Time) models.PublishJob {
	t.Helper()
	ctx := context.Background()
	job, err := st.Create(ctx, storetest.NewJob(started))
	require.NoError(t, err)
	running, err := st.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
		StartedAt: models.Ptr(started), WorkerID: models.Ptr(worker),
	})
	require.NoError(t, err)
	return running
}

func TestReconcilerFailsJobsOfDeadWorkers(t *testing.T) {
	ctx := context.Background()
	r, st, q, now := newReconcileFixture(t, ReconcileOptions{Grace: 10 * time.Minute, MaxAttempts: 3})

	dead := startRunning(t, st, "w-dead", now.Add(-time.Hour))
	alive := startRunning(t, st, "w-alive", now.Add(-time.Hour))
	young := startRunning(t, st, "w-young", now.Add(-time.Minute))
	require.NoError(t, q.Heartbeat(ctx, "w-alive", time.Minute))

	res, err := r.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 2, Failed: 1}, res)

	got, err := st.Get(ctx, dead.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateError, got.State)
	require.Equal(t, LostWorkerDetail, *got.ErrorDetail)

	for _, id := range []string{alive.ID, young.ID} {
		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StateRunning, got.State)
	}
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "no retry without auto retry")
}

func TestReconcilerRetriesWithinBudget(t *testing.T) {
	ctx := context.Background()
	r, st, q, now := newReconcileFixture(t, ReconcileOptions{Grace: time.Minute, AutoRetry: true, MaxAttempts: 2})
	job := startRunning(t, st, "w-gone", now.Add(-time.Hour))

	res, err := r.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 1, Failed: 1, Retried: 1}, res)

	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, got.State)
	require.Equal(t, 2, got.AttemptCount)
	id, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)

	// The second attempt's worker dies as well; the budget is now spent.
	_, err = st.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
		StartedAt: models.Ptr(now.Add(-time.Hour)), WorkerID: models.Ptr("w-gone-too"),
	})
	require.NoError(t, err)
	res, err = r.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 1, Failed: 1}, res)
	got, err = st.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateError, got.State)
	require.Equal(t, []models.State{
		models.StatePending, models.StateRunning, models.StateError,
		models.StatePending, models.StateRunning, models.StateError,
	}, st.History(job.ID))
}

// reclaimingStore lets another worker take the job over between the
// reconciler's scan and its transition.
type reclaimingStore struct {
	*storetest.Memory
	after func()
}

func (s *reclaimingStore) FindRunning(ctx context.Context, startedBefore time.Time) ([]models.PublishJob, error) {
	jobs, err := s.Memory.FindRunning(ctx, startedBefore)
	if err == nil && s.after != nil {
		s.after()
	}
	return jobs, err
}

func TestReconcilerLeavesReclaimedAttemptAlone(t *testing.T) {
	ctx := context.Background()
	_, mem, q, now := newReconcileFixture(t, ReconcileOptions{})
	job := startRunning(t, mem, "w-gone", now.Add(-time.Hour))

	st := &reclaimingStore{Memory: mem, after: func() {
		_, err := mem.Transition(ctx, job.ID, models.StateRunning, models.StateError, models.TransitionFields{
			ErrorDetail: models.Ptr("operator gave up"),
		})
		require.NoError(t, err)
		_, err = mem.RequestRetry(ctx, job.ID, 3, nil)
		require.NoError(t, err)
		_, err = mem.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
			StartedAt: models.Ptr(now.Add(-time.Hour)), WorkerID: models.Ptr("w-new"),
		})
		require.NoError(t, err)
	}}
	r := NewReconciler(st, q, ReconcileOptions{Grace: time.Minute, MaxAttempts: 3}, zap.NewNop())
	r.now = func() time.Time { return now }

	res, err := r.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 1}, res)

	got, err := mem.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateRunning, got.State)
	require.Equal(t, "w-new", *got.WorkerID)
	require.Equal(t, 2, got.AttemptCount)
}

func TestReconcilerNotifiesOnlyFinalFailures(t *testing.T) {
	ctx := context.Background()
	r, st, _, now := newReconcileFixture(t, ReconcileOptions{Grace: time.Minute, AutoRetry: true, MaxAttempts: 2})
	notifier := &recordingNotifier{}
	r.SetNotifier(notifier)
	job := startRunning(t, st, "w-gone", now.Add(-time.Hour))

	_, err := r.RunCycle(ctx)
	require.NoError(t, err)
	require.Empty(t, notifier.jobs, "a retried job has not ended yet")

	_, err = st.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
		StartedAt: models.Ptr(now.Add(-time.Hour)), WorkerID: models.Ptr("w-gone-too"),
	})
	require.NoError(t, err)
	_, err = r.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, notifier.jobs, 1)
	require.Equal(t, models.StateError, notifier.jobs[0].State)
	require.Equal(t, LostWorkerDetail, *notifier.jobs[0].ErrorDetail)
}
