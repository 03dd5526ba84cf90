package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	d, err := bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, err = bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	require.False(t, d.Allowed, "third submission exceeds capacity")
	require.Equal(t, time.Second, d.RetryAfter)

	other, err := bucket.Allow(ctx, "bob")
	require.NoError(t, err)
	require.True(t, other.Allowed, "owners have independent buckets")

	// The script takes time from the caller, so advancing the injected
	// clock refills the bucket.
	clock = clock.Add(1500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Zero(t, d.Remaining)
}

func TestTokenBucketExpiresIdleKeys(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 10, 5)
	_, err = bucket.Allow(ctx, "carol")
	require.NoError(t, err)
	require.True(t, mr.Exists("publish:ratelimit:carol"))

	mr.FastForward(bucket.ttl + time.Second)
	require.False(t, mr.Exists("publish:ratelimit:carol"))
}
