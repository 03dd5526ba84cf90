package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dataset-publisher/internal/config"
	"dataset-publisher/internal/models"
	"dataset-publisher/internal/publish"
	"dataset-publisher/internal/queue"
	"dataset-publisher/internal/registry"
	"dataset-publisher/internal/store/storetest"
)

// scriptedBackend fails the first len(errs) publishes with the scripted
// errors (nil entries pass through) and then delegates.
type scriptedBackend struct {
	publish.Backend

	mu     sync.Mutex
	calls  int
	errs   []error
	always error
	before func(req publish.Request)
}

func (b *scriptedBackend) Publish(ctx context.Context, req publish.Request) error {
	b.mu.Lock()
	b.calls++
	var err error
	if b.calls <= len(b.errs) {
		err = b.errs[b.calls-1]
	} else {
		err = b.always
	}
	hook := b.before
	b.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return err
	}
	return b.Backend.Publish(ctx, req)
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type harness struct {
	cfg      config.Config
	store    *storetest.Memory
	queue    *queue.RedisQueue
	repos    *registry.Registry
	local    *publish.Local
	backend  *scriptedBackend
	repoRoot string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repoRoot := t.TempDir()
	repos, err := registry.New(registry.Repository{
		Name:         "archive",
		RootPath:     repoRoot,
		AllowedModes: []models.Mode{models.ModeCopy, models.ModeLink},
	}, registry.Repository{
		Name:     "copyonly",
		RootPath: repoRoot,
	})
	require.NoError(t, err)

	local, err := publish.NewLocal(t.TempDir())
	require.NoError(t, err)

	cfg := config.Config{
		WorkerConcurrency:  2,
		WorkerPollInterval: 10 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		HeartbeatInterval:  20 * time.Millisecond,
		HeartbeatTTL:       time.Second,
		MaxAttempts:        3,
		TransferRetries:    3,
		TransferBackoffMin: time.Millisecond,
		TransferBackoffMax: 4 * time.Millisecond,
	}
	return &harness{
		cfg:      cfg,
		store:    storetest.NewMemory(),
		queue:    queue.NewWithClient(client, time.Minute, 10*time.Millisecond),
		repos:    repos,
		local:    local,
		backend:  &scriptedBackend{Backend: local},
		repoRoot: repoRoot,
	}
}

func (h *harness) processor(id string) *Processor {
	return NewProcessor(h.cfg, h.store, h.queue, h.repos, h.backend, zap.NewNop(), id)
}

// submit writes a source file, records a pending job for it and enqueues it.
func (h *harness) submit(t *testing.T, repo, rel, content string, mode models.Mode) models.PublishJob {
	t.Helper()
	ctx := context.Background()
	src := filepath.Join(h.repoRoot, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	snap, err := publish.TakeSnapshot(ctx, src)
	require.NoError(t, err)

	now := time.Now().UTC()
	job, err := h.store.Create(ctx, models.PublishJob{
		RepositoryName:  repo,
		SourcePath:      rel,
		DestinationPath: registry.DestinationFor(repo, rel, 1),
		Mode:            mode,
		Version:         1,
		FileName:        filepath.Base(rel),
		Owner:           "tester",
		SourceSize:      snap.Size,
		SourceChecksum:  snap.Checksum,
		CreatedAt:       now,
		ExpiresAt:       models.Ptr(now.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, job.ID))
	return job
}

func (h *harness) dequeue(t *testing.T) string {
	t.Helper()
	id, err := h.queue.TryDequeue(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (h *harness) inflight(t *testing.T) int64 {
	t.Helper()
	n, err := h.queue.InFlight(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcessCopiesAndMarksDone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "runs/2024/table.csv", "id,value\n1,2\n", models.ModeCopy)

	outcome := h.processor("w1").Process(ctx, h.dequeue(t))
	require.Equal(t, OutcomeDone, outcome)

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
	require.Equal(t, "archive/table_v1.csv", got.DestinationPath)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, "w1", *got.WorkerID)
	require.True(t, got.ExpiresAt.Equal(*job.ExpiresAt), "expiry chosen at submission is kept")

	content, err := os.ReadFile(h.local.Path(got.DestinationPath))
	require.NoError(t, err)
	require.Equal(t, "id,value\n1,2\n", string(content))
	require.Equal(t, []models.State{models.StatePending, models.StateRunning, models.StateDone}, h.store.History(job.ID))
	require.Zero(t, h.inflight(t), "task acknowledged")
}

func TestProcessLinkMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "big/volume.h5", "bytes", models.ModeLink)

	require.Equal(t, OutcomeDone, h.processor("w1").Process(ctx, h.dequeue(t)))
	target, err := os.Readlink(h.local.Path(job.DestinationPath))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(h.repoRoot, "big/volume.h5"), target)
}

func TestDuplicateDeliveryClaimsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "dup.txt", "once", models.ModeCopy)
	require.NoError(t, h.queue.Enqueue(ctx, job.ID))

	first, second := h.dequeue(t), h.dequeue(t)
	require.Equal(t, first, second)

	outcomes := make(chan Outcome, 2)
	var wg sync.WaitGroup
	for i, id := range []string{first, second} {
		wg.Add(1)
		go func(worker string, jobID string) {
			defer wg.Done()
			outcomes <- h.processor(worker).Process(ctx, jobID)
		}([]string{"w1", "w2"}[i], id)
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	require.Equal(t, map[Outcome]int{OutcomeDone: 1, OutcomeSkipped: 1}, counts)
	require.Equal(t, 1, h.backend.Calls())
	require.Equal(t, []models.State{models.StatePending, models.StateRunning, models.StateDone}, h.store.History(job.ID))
}

func TestSourceOutsideRootFailsWithoutIO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now().UTC()
	job, err := h.store.Create(ctx, models.PublishJob{
		RepositoryName:  "archive",
		SourcePath:      "../../etc/passwd",
		DestinationPath: "archive/passwd_v1",
		Mode:            models.ModeCopy,
		Version:         1,
		FileName:        "passwd",
		Owner:           "mallory",
		CreatedAt:       now,
		ExpiresAt:       models.Ptr(now.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, job.ID))

	require.Equal(t, OutcomeError, h.processor("w1").Process(ctx, h.dequeue(t)))
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateError, got.State)
	require.Contains(t, *got.ErrorDetail, "outside the repository root")
	require.Zero(t, h.backend.Calls())

	exists, err := h.local.Exists(ctx, job.DestinationPath)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestModeNotAllowedIsPolicyViolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "copyonly", "x.bin", "x", models.ModeLink)

	require.Equal(t, OutcomeError, h.processor("w1").Process(ctx, h.dequeue(t)))
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Contains(t, *got.ErrorDetail, `mode "link" is not allowed`)
	require.Zero(t, h.backend.Calls())
}

func TestTransientFailuresAreRetriedThenSucceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	transient := &models.TransferError{Op: "copy", Transient: true, Err: syscall.EAGAIN}
	h.backend.errs = []error{transient, transient}
	job := h.submit(t, "archive", "flaky.txt", "eventually", models.ModeCopy)

	require.Equal(t, OutcomeDone, h.processor("w1").Process(ctx, h.dequeue(t)))
	require.Equal(t, 3, h.backend.Calls())
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
}

func TestTransientRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.backend.always = &models.TransferError{Op: "copy", Transient: true, Err: syscall.ETIMEDOUT}
	job := h.submit(t, "archive", "never.txt", "nope", models.ModeCopy)

	require.Equal(t, OutcomeError, h.processor("w1").Process(ctx, h.dequeue(t)))
	require.Equal(t, h.cfg.TransferRetries+1, h.backend.Calls(), "one attempt plus the configured retries")
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateError, got.State)
	require.Contains(t, *got.ErrorDetail, "giving up after 3 retries")
	require.Zero(t, h.inflight(t))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.backend.always = &models.TransferError{Op: "copy", Err: syscall.EACCES}
	job := h.submit(t, "archive", "locked.txt", "secret", models.ModeCopy)

	require.Equal(t, OutcomeError, h.processor("w1").Process(ctx, h.dequeue(t)))
	require.Equal(t, 1, h.backend.Calls())
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateError, got.State)
}

func TestMissingSourceFailsPermanently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "gone.txt", "soon gone", models.ModeCopy)
	require.NoError(t, os.Remove(filepath.Join(h.repoRoot, "gone.txt")))

	require.Equal(t, OutcomeError, h.processor("w1").Process(ctx, h.dequeue(t)))
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Contains(t, *got.ErrorDetail, "permanent")
	require.Zero(t, h.backend.Calls())
}

func TestUnknownJobIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.queue.Enqueue(ctx, "cancelled-long-ago"))

	require.Equal(t, OutcomeSkipped, h.processor("w1").Process(ctx, h.dequeue(t)))
	require.Zero(t, h.inflight(t))
}

func TestStoreFailureRequeues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "later.txt", "later", models.ModeCopy)

	h.store.FailOn("Transition", errors.New("connection refused"))
	require.Equal(t, OutcomeRequeued, h.processor("w1").Process(ctx, h.dequeue(t)))
	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth, "task is back on the ready list")

	h.store.FailOn("Transition", nil)
	require.Equal(t, OutcomeDone, h.processor("w1").Process(ctx, h.dequeue(t)))
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
}

// countingStore counts job loads, one per delivery.
type countingStore struct {
	*storetest.Memory
	loads atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, id string) (models.PublishJob, error) {
	s.loads.Add(1)
	return s.Memory.Get(ctx, id)
}

func TestRequeuedDeliveriesBackOff(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "archive", "stuck.txt", "stuck", models.ModeCopy)
	h.store.FailOn("Transition", errors.New("connection refused"))
	st := &countingStore{Memory: h.store}
	p := NewProcessor(h.cfg, st, h.queue, h.repos, h.backend, zap.NewNop(), "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	// Without a pause the single task would be redelivered thousands of
	// times in this window; with WorkerPollInterval=10ms and doubling
	// pauses it is only a handful.
	loads := st.loads.Load()
	require.GreaterOrEqual(t, loads, int32(2))
	require.Less(t, loads, int32(30))

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depth, "the task is still waiting for a healthy store")
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.PublishJob
}

func (n *recordingNotifier) Notify(_ context.Context, job models.PublishJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

func TestSettledJobsAreReportedToContact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	notifier := &recordingNotifier{}

	ok := h.submit(t, "archive", "fine.txt", "fine", models.ModeCopy)
	p := h.processor("w1")
	p.SetNotifier(notifier)
	require.Equal(t, OutcomeDone, p.Process(ctx, h.dequeue(t)))

	bad := h.submit(t, "copyonly", "linked.txt", "linked", models.ModeLink)
	require.Equal(t, OutcomeError, p.Process(ctx, h.dequeue(t)))

	require.Len(t, notifier.jobs, 2)
	require.Equal(t, ok.ID, notifier.jobs[0].ID)
	require.Equal(t, models.StateDone, notifier.jobs[0].State)
	require.Equal(t, bad.ID, notifier.jobs[1].ID)
	require.Equal(t, models.StateError, notifier.jobs[1].State)
	require.NotNil(t, notifier.jobs[1].ErrorDetail)
}

func TestLostCompletionRemovesUnownedArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "orphan.txt", "orphan", models.ModeCopy)
	h.backend.before = func(publish.Request) {
		// The reconciler gives up on the job mid-transfer and does not retry it.
		_, err := h.store.Transition(ctx, job.ID, models.StateRunning, models.StateError, models.TransitionFields{
			ErrorDetail: models.Ptr("worker lost"),
		})
		require.NoError(t, err)
	}

	require.Equal(t, OutcomeSkipped, h.processor("w1").Process(ctx, h.dequeue(t)))
	exists, err := h.local.Exists(ctx, job.DestinationPath)
	require.NoError(t, err)
	require.False(t, exists)
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateError, got.State)
}

func TestStaleWorkerCannotSettleRetriedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "contested.txt", "contested", models.ModeCopy)

	fired := false
	h.backend.before = func(publish.Request) {
		if fired {
			return
		}
		fired = true
		// w1 stalls long enough to be declared lost; the job is retried and
		// w2 publishes it before w1 wakes up.
		_, err := h.store.Transition(ctx, job.ID, models.StateRunning, models.StateError, models.TransitionFields{
			ErrorDetail: models.Ptr("worker lost"),
		})
		require.NoError(t, err)
		_, err = h.store.RequestRetry(ctx, job.ID, h.cfg.MaxAttempts, nil)
		require.NoError(t, err)
		require.NoError(t, h.queue.Enqueue(ctx, job.ID))
		require.Equal(t, OutcomeDone, h.processor("w2").Process(ctx, h.dequeue(t)))
	}

	require.Equal(t, OutcomeSkipped, h.processor("w1").Process(ctx, h.dequeue(t)))

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
	require.Equal(t, "w2", *got.WorkerID)
	require.Equal(t, 2, got.AttemptCount)

	exists, err := h.local.Exists(ctx, job.DestinationPath)
	require.NoError(t, err)
	require.True(t, exists, "the live publication of the newer attempt stays")
}

func TestStaleWorkerCannotFailRunningAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "contested.txt", "contested", models.ModeCopy)
	h.backend.always = errors.New("disk on fire")
	h.backend.before = func(publish.Request) {
		_, err := h.store.Transition(ctx, job.ID, models.StateRunning, models.StateError, models.TransitionFields{
			ErrorDetail: models.Ptr("worker lost"),
		})
		require.NoError(t, err)
		_, err = h.store.RequestRetry(ctx, job.ID, h.cfg.MaxAttempts, nil)
		require.NoError(t, err)
		_, err = h.store.Transition(ctx, job.ID, models.StatePending, models.StateRunning, models.TransitionFields{
			WorkerID: models.Ptr("w2"),
		})
		require.NoError(t, err)
	}

	require.Equal(t, OutcomeSkipped, h.processor("w1").Process(ctx, h.dequeue(t)))
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateRunning, got.State)
	require.Equal(t, "w2", *got.WorkerID)
}

func TestHeartbeatWhileProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.submit(t, "archive", "slow.txt", "slow", models.ModeCopy)
	h.backend.before = func(publish.Request) {
		alive, err := h.queue.Alive(ctx, "w-heart")
		require.NoError(t, err)
		require.True(t, alive)
	}

	require.Equal(t, OutcomeDone, h.processor("w-heart").Process(ctx, h.dequeue(t)))
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
}
