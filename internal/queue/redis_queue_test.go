package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, time.Minute, 10*time.Millisecond), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", id)

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, "a"))
	inflight, err = q.InFlight(ctx)
	require.NoError(t, err)
	require.Zero(t, inflight)
}

func TestDequeueBlocksUntilShutdown(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	id, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, id)
}

func TestDequeueWakesForLateEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Enqueue(context.Background(), "late")
	}()
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "late", id)
}

func TestNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, "a"))

	id, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, id))

	again, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", again)

	require.NoError(t, q.Ack(ctx, "a"))
	require.NoError(t, q.Nack(ctx, "a"), "nack after ack is a no-op")
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	_, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	_, err = q.TryDequeue(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, ids, "leases are still valid")

	require.NoError(t, q.ExtendLease(ctx, "b", 2*time.Hour))
	ids, err = q.RequeueExpired(ctx, time.Now().Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, inflight)
}

func TestExtendLeaseIgnoresAckedJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.ExtendLease(ctx, "ghost", time.Minute))
	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	require.Zero(t, inflight)
}

func TestRemoveWithdrawsReadyJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	require.NoError(t, q.Remove(ctx, "a"))

	id, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", id)
	id, err = q.TryDequeue(ctx)
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	alive, err := q.Alive(ctx, "w1")
	require.NoError(t, err)
	require.False(t, alive)

	require.NoError(t, q.Heartbeat(ctx, "w1", 30*time.Second))
	alive, err = q.Alive(ctx, "w1")
	require.NoError(t, err)
	require.True(t, alive)

	mr.FastForward(31 * time.Second)
	alive, err = q.Alive(ctx, "w1")
	require.NoError(t, err)
	require.False(t, alive)
}
