package store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"

	"dataset-publisher/internal/models"
	"dataset-publisher/internal/store/storetest"
)

var testStore *Store

// TestMain starts a throwaway Postgres when Docker is reachable. Without
// Docker, or with -short, the integration tests are skipped.
func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	flag.Parse()
	if testing.Short() {
		return m.Run()
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		return m.Run()
	}
	if err := pool.Client.Ping(); err != nil {
		return m.Run()
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env:        []string{"POSTGRES_PASSWORD=secret", "POSTGRES_DB=publish"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return m.Run()
	}
	defer func() { _ = pool.Purge(resource) }()
	_ = resource.Expire(300)

	dsn := fmt.Sprintf("postgres://postgres:secret@%s/publish?sslmode=disable", resource.GetHostPort("5432/tcp"))
	pool.MaxWait = 90 * time.Second
	if err := pool.Retry(func() error {
		s, err := New(context.Background(), dsn)
		if err != nil {
			return err
		}
		if err := s.Ping(context.Background()); err != nil {
			s.Close()
			return err
		}
		testStore = s
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		return m.Run()
	}
	defer testStore.Close()
	if err := testStore.RunMigrations(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("postgres integration tests need docker")
	}
	_, err := testStore.pool.Exec(context.Background(), `TRUNCATE publish_jobs CASCADE`)
	require.NoError(t, err)
	return testStore
}

func TestPostgresContract(t *testing.T) {
	storetest.RunContract(t, func(t *testing.T) storetest.JobStore { return openTestStore(t) })
}

func TestMigrationsAreRepeatable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RunMigrations(context.Background()))
}

func TestRenewWaitsForExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := storetest.NewJob(now)
	job.ExpiresAt = models.Ptr(now.Add(-time.Second))
	created, err := s.Create(ctx, job)
	require.NoError(t, err)
	_, err = s.Transition(ctx, created.ID, models.StatePending, models.StateRunning, models.TransitionFields{StartedAt: models.Ptr(now)})
	require.NoError(t, err)
	_, err = s.Transition(ctx, created.ID, models.StateRunning, models.StateDone, models.TransitionFields{FinishedAt: models.Ptr(now)})
	require.NoError(t, err)

	removing := make(chan struct{})
	renewErr := make(chan error, 1)
	go func() {
		<-removing
		_, err := s.Renew(ctx, created.ID, now.Add(time.Hour))
		renewErr <- err
	}()

	_, expired, err := s.ExpireJob(ctx, created.ID, now, func(models.PublishJob) error {
		close(removing)
		// The renewal is blocked on the row lock for as long as removal runs.
		select {
		case err := <-renewErr:
			return fmt.Errorf("renewal did not wait: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, expired)

	var invalid *models.InvalidStateError
	require.ErrorAs(t, <-renewErr, &invalid)
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first, err := s.Create(ctx, storetest.NewJob(time.Now()))
	require.NoError(t, err)

	again := storetest.NewJob(time.Now())
	again.ID = first.ID
	_, err = s.Create(ctx, again)
	require.Error(t, err)
	var conflict *models.ConflictError
	require.NotErrorAs(t, err, &conflict, "a reused id is not a destination conflict")
}
