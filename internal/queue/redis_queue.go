package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dataset-publisher/internal/config"
)

// RedisQueue delivers publish job ids at least once. Dequeued ids move into an
// in-flight set scored by their visibility deadline; ids whose lease lapses
// without an ack are pushed back onto the ready list by RequeueExpired.
type RedisQueue struct {
	client        redis.UniversalClient
	readyKey      string
	inflightKey   string
	heartbeatKey  string
	visibilityTTL time.Duration
	pollInterval  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.VisibilityTimeout, cfg.WorkerPollInterval)
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, visibility, poll time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "publish:queue:ready",
		inflightKey:   "publish:queue:inflight",
		heartbeatKey:  "publish:worker:heartbeat:",
		visibilityTTL: visibility,
		pollInterval:  poll,
	}
}

// Client exposes the underlying connection for components sharing it.
func (q *RedisQueue) Client() redis.UniversalClient {
	return q.client
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a job id to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// TryDequeue leases the oldest ready id without blocking. It returns "" when
// the ready list is empty.
func (q *RedisQueue) TryDequeue(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Dequeue blocks until a job id is leased or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		jobID, err := q.TryDequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if jobID != "" {
			return jobID, nil
		}
		timer.Reset(q.pollInterval)
	}
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Ids that are no longer in flight are left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack drops a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// Nack releases the lease and makes the job immediately available again.
func (q *RedisQueue) Nack(ctx context.Context, jobID string) error {
	return nackScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, jobID).Err()
}

// RequeueExpired reclaims leases that timed out and returns the redelivered ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return res, nil
}

// Remove withdraws a job from the ready list and from in-flight tracking.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the number of ready ids.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased ids.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Heartbeat records that a worker is alive for ttl.
func (q *RedisQueue) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return q.client.Set(ctx, q.heartbeatKey+workerID, time.Now().UnixMilli(), ttl).Err()
}

// Alive reports whether a worker's heartbeat is still current.
func (q *RedisQueue) Alive(ctx context.Context, workerID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.heartbeatKey+workerID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
