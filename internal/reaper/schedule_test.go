package reaper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSchedulerRunsTasksUntilCancelled(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	require.NoError(t, s.Every(ctx, "tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSchedulerRejectsBadInterval(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	require.Error(t, s.Every(context.Background(), "never", 0, func(context.Context) error { return nil }))
}
