// Package storetest provides an in-memory job store with the same contract
// as the Postgres store, for tests that should not need a database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dataset-publisher/internal/models"
)

// Memory keeps jobs in a map guarded by one mutex. Holding the mutex stands in
// for the row lock the Postgres store takes, so ExpireJob's remove callback
// runs serialized against renewals.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]models.PublishJob
	order    []string
	events   map[string][]models.JobEvent
	failures map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]models.PublishJob),
		events:   make(map[string][]models.JobEvent),
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of the named method return err until
// cleared with a nil err.
func (m *Memory) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Put stores job as is, bypassing every check. Tests use it to arrange state.
func (m *Memory) Put(job models.PublishJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.order = append(m.order, job.ID)
	}
	m.jobs[job.ID] = clone(job)
}

// History returns the sequence of states a job went through.
func (m *Memory) History(id string) []models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var states []models.State
	for _, ev := range m.events[id] {
		states = append(states, ev.ToState)
	}
	return states
}

func (m *Memory) Ping(context.Context) error { return m.failure("Ping") }

func (m *Memory) Create(_ context.Context, job models.PublishJob) (models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Create"]; err != nil {
		return models.PublishJob{}, err
	}
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
	job.UpdatedAt = job.CreatedAt
	if _, taken := m.jobs[job.ID]; taken {
		return models.PublishJob{}, fmt.Errorf("insert job: id %s already exists", job.ID)
	}
	for _, existing := range m.jobs {
		if models.Live(existing.State) && existing.DestinationPath == job.DestinationPath {
			return models.PublishJob{}, &models.ConflictError{DestinationPath: job.DestinationPath}
		}
	}
	m.jobs[job.ID] = clone(job)
	m.order = append(m.order, job.ID)
	m.record(job.ID, nil, models.StatePending, "submitted")
	return clone(job), nil
}

func (m *Memory) Get(_ context.Context, id string) (models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Get"]; err != nil {
		return models.PublishJob{}, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.PublishJob{}, notFound(id)
	}
	return clone(job), nil
}

func (m *Memory) List(_ context.Context, filter models.JobFilter) ([]models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["List"]; err != nil {
		return nil, err
	}
	var out []models.PublishJob
	for i := len(m.order) - 1; i >= 0; i-- {
		job, ok := m.jobs[m.order[i]]
		if !ok || !matches(job, filter) {
			continue
		}
		out = append(out, clone(job))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) Transition(_ context.Context, id string, from, to models.State, fields models.TransitionFields) (models.PublishJob, error) {
	if !models.CanTransition(from, to) {
		return models.PublishJob{}, &models.IllegalTransitionError{From: from, To: to}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Transition"]; err != nil {
		return models.PublishJob{}, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.PublishJob{}, notFound(id)
	}
	if job.State != from {
		return models.PublishJob{}, &models.StaleStateError{JobID: id, Expected: from, Actual: job.State}
	}
	if !fields.Owned(job) {
		holder := "no worker"
		if job.WorkerID != nil {
			holder = "worker " + *job.WorkerID
		}
		return models.PublishJob{}, &models.StaleStateError{
			JobID: id, Expected: from, Actual: job.State,
			Owner: fmt.Sprintf("%s on attempt %d", holder, job.AttemptCount),
		}
	}
	job.State = to
	if fields.StartedAt != nil {
		job.StartedAt = models.Ptr(*fields.StartedAt)
	}
	if fields.FinishedAt != nil {
		job.FinishedAt = models.Ptr(*fields.FinishedAt)
	}
	if to == models.StateExpired {
		job.ExpiresAt = nil
	} else if job.ExpiresAt == nil && fields.ExpiresAt != nil {
		job.ExpiresAt = models.Ptr(*fields.ExpiresAt)
	}
	detail := ""
	if fields.ErrorDetail != nil {
		job.ErrorDetail = models.Ptr(*fields.ErrorDetail)
		detail = *fields.ErrorDetail
	}
	if fields.WorkerID != nil {
		job.WorkerID = models.Ptr(*fields.WorkerID)
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	m.record(id, &from, to, detail)
	return clone(job), nil
}

func (m *Memory) FindExpired(_ context.Context, now time.Time, limit int) ([]models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["FindExpired"]; err != nil {
		return nil, err
	}
	var out []models.PublishJob
	for _, job := range m.jobs {
		if job.State == models.StateDone && job.ExpiredAt(now) {
			out = append(out, clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ExpireJob(_ context.Context, id string, now time.Time, remove func(models.PublishJob) error) (models.PublishJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ExpireJob"]; err != nil {
		return models.PublishJob{}, false, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.PublishJob{}, false, notFound(id)
	}
	if job.State != models.StateDone || !job.ExpiredAt(now) {
		return clone(job), false, nil
	}
	if err := remove(clone(job)); err != nil {
		return models.PublishJob{}, false, err
	}
	job.State = models.StateExpired
	job.ExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	from := models.StateDone
	m.record(id, &from, models.StateExpired, "publication removed")
	return clone(job), true, nil
}

func (m *Memory) FindRunning(_ context.Context, startedBefore time.Time) ([]models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["FindRunning"]; err != nil {
		return nil, err
	}
	var out []models.PublishJob
	for _, job := range m.jobs {
		if job.State == models.StateRunning && job.StartedAt != nil && !job.StartedAt.After(startedBefore) {
			out = append(out, clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

func (m *Memory) RequestRetry(_ context.Context, id string, maxAttempts int, minExpiry *time.Time) (models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["RequestRetry"]; err != nil {
		return models.PublishJob{}, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.PublishJob{}, notFound(id)
	}
	if job.State != models.StateError {
		return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "retry", State: job.State}
	}
	if job.AttemptCount >= maxAttempts {
		return models.PublishJob{}, &models.RetryLimitError{JobID: id, Attempts: job.AttemptCount, Max: maxAttempts}
	}
	job.State = models.StatePending
	job.AttemptCount++
	job.ErrorDetail = nil
	job.WorkerID = nil
	job.StartedAt = nil
	job.FinishedAt = nil
	if minExpiry != nil && (job.ExpiresAt == nil || job.ExpiresAt.Before(*minExpiry)) {
		job.ExpiresAt = models.Ptr(*minExpiry)
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	from := models.StateError
	m.record(id, &from, models.StatePending, "retry requested")
	return clone(job), nil
}

func (m *Memory) Renew(_ context.Context, id string, expiresAt time.Time) (models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Renew"]; err != nil {
		return models.PublishJob{}, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.PublishJob{}, notFound(id)
	}
	if !models.Renewable(job.State) {
		return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "renew", State: job.State}
	}
	if err := models.CheckRenewal(job, expiresAt); err != nil {
		return models.PublishJob{}, err
	}
	job.ExpiresAt = models.Ptr(expiresAt)
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	state := job.State
	m.record(id, &state, state, "renewed until "+expiresAt.UTC().Format(time.RFC3339))
	return clone(job), nil
}

func (m *Memory) RecordDownload(_ context.Context, id string) (models.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["RecordDownload"]; err != nil {
		return models.PublishJob{}, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.PublishJob{}, notFound(id)
	}
	if job.State != models.StateDone {
		return models.PublishJob{}, &models.InvalidStateError{JobID: id, Operation: "download", State: job.State}
	}
	job.Downloads++
	m.jobs[id] = job
	return clone(job), nil
}

func (m *Memory) DeletePending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["DeletePending"]; err != nil {
		return err
	}
	job, ok := m.jobs[id]
	if !ok {
		return notFound(id)
	}
	if job.State != models.StatePending {
		return &models.InvalidStateError{JobID: id, Operation: "cancel", State: job.State}
	}
	delete(m.jobs, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) CountByState(context.Context) (map[models.State]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["CountByState"]; err != nil {
		return nil, err
	}
	counts := make(map[models.State]int64, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}
	for _, job := range m.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (m *Memory) OldestPending(context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["OldestPending"]; err != nil {
		return nil, err
	}
	var oldest *time.Time
	for _, job := range m.jobs {
		if job.State != models.StatePending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(*oldest) {
			oldest = models.Ptr(job.CreatedAt)
		}
	}
	return oldest, nil
}

func (m *Memory) Events(_ context.Context, id string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Events"]; err != nil {
		return nil, err
	}
	return append([]models.JobEvent(nil), m.events[id]...), nil
}

func (m *Memory) failure(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[method]
}

func (m *Memory) record(id string, from *models.State, to models.State, detail string) {
	ev := models.JobEvent{JobID: id, ToState: to, Detail: detail, RecordedAt: time.Now().UTC()}
	if from != nil {
		ev.FromState = models.Ptr(*from)
	}
	m.events[id] = append(m.events[id], ev)
}

func matches(job models.PublishJob, filter models.JobFilter) bool {
	if len(filter.States) > 0 {
		found := false
		for _, st := range filter.States {
			if job.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Owner != "" && job.Owner != filter.Owner {
		return false
	}
	if filter.FileName != "" && !strings.Contains(strings.ToLower(job.FileName), strings.ToLower(filter.FileName)) {
		return false
	}
	return true
}

func notFound(id string) error {
	return &models.NotFoundError{Kind: "job", Key: id}
}

func clone(job models.PublishJob) models.PublishJob {
	out := job
	out.Contact = clonePtr(job.Contact)
	out.WorkerID = clonePtr(job.WorkerID)
	out.ErrorDetail = clonePtr(job.ErrorDetail)
	out.StartedAt = clonePtr(job.StartedAt)
	out.FinishedAt = clonePtr(job.FinishedAt)
	out.ExpiresAt = clonePtr(job.ExpiresAt)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
