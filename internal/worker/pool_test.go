package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dataset-publisher/internal/models"
	"dataset-publisher/internal/publish"
)

func TestPoolProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	jobs := []models.PublishJob{
		h.submit(t, "archive", "a.txt", "a", models.ModeCopy),
		h.submit(t, "archive", "b.txt", "b", models.ModeCopy),
		h.submit(t, "archive", "c.txt", "c", models.ModeLink),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(h.cfg, h.store, h.queue, h.repos, h.backend, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			got, err := h.store.Get(context.Background(), job.ID)
			if err != nil || got.State != models.StateDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPoolDrainsInFlightTaskOnShutdown(t *testing.T) {
	h := newHarness(t)
	h.cfg.WorkerConcurrency = 1
	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.before = func(publish.Request) {
		close(started)
		<-release
	}
	job := h.submit(t, "archive", "drain.txt", "finish me", models.ModeCopy)
	other := h.submit(t, "archive", "untouched.txt", "leave me", models.ModeCopy)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(h.cfg, h.store, h.queue, h.repos, h.backend, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("pool stopped before the in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	got, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
	_, err = os.Stat(h.local.Path(got.DestinationPath))
	require.NoError(t, err)

	pending, err := h.store.Get(context.Background(), other.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, pending.State, "no new task is taken after shutdown")
	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestPoolRequeuesExpiredLeases(t *testing.T) {
	h := newHarness(t)
	h.cfg.WorkerConcurrency = 1
	job := h.submit(t, "archive", "abandoned.txt", "abandoned", models.ModeCopy)

	// A crashed worker leased the task and never acked it.
	_, err := h.queue.TryDequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.queue.ExtendLease(context.Background(), job.ID, -time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(h.cfg, h.store, h.queue, h.repos, h.backend, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), job.ID)
		return err == nil && got.State == models.StateDone
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
