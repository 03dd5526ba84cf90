package models

import (
	"fmt"
	"time"
)

// State enumerates publish job lifecycle states persisted in Postgres.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
	StateExpired State = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StatePending, StateRunning, StateDone, StateError, StateExpired}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Mode selects how a dataset reaches the published area.
type Mode string

const (
	ModeCopy Mode = "copy"
	ModeLink Mode = "link"
)

// Valid reports whether m is a known transfer mode.
func (m Mode) Valid() bool {
	return m == ModeCopy || m == ModeLink
}

// PublishJob is one publish request and its tracked lifecycle.
type PublishJob struct {
	ID              string     `json:"id" db:"id"`
	RepositoryName  string     `json:"repository_name" db:"repository_name"`
	SourcePath      string     `json:"source_path" db:"source_path"`
	DestinationPath string     `json:"destination_path" db:"destination_path"`
	Mode            Mode       `json:"mode" db:"mode"`
	State           State      `json:"state" db:"state"`
	Version         int        `json:"version" db:"version"`
	FileName        string     `json:"file_name" db:"file_name"`
	Owner           string     `json:"owner" db:"owner"`
	Contact         *string    `json:"contact,omitempty" db:"contact"`
	SourceSize      int64      `json:"source_size" db:"source_size"`
	SourceChecksum  string     `json:"source_checksum" db:"source_checksum"`
	WorkerID        *string    `json:"worker_id,omitempty" db:"worker_id"`
	AttemptCount    int        `json:"attempt_count" db:"attempt_count"`
	ErrorDetail     *string    `json:"error_detail,omitempty" db:"error_detail"`
	Downloads       int64      `json:"downloads" db:"downloads"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// CheckRenewal rejects a renewal that would bring the job's expiry forward.
// Renewal only ever extends a publication's lifetime.
func CheckRenewal(job PublishJob, expiresAt time.Time) error {
	if job.ExpiresAt != nil && expiresAt.Before(*job.ExpiresAt) {
		return &ValidationError{
			Field:  "expires_at",
			Reason: fmt.Sprintf("must not be earlier than the current expiry %s", job.ExpiresAt.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}

// ExpiredAt reports whether the job's publication lifetime has ended at now.
func (j PublishJob) ExpiredAt(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// TransitionFields carries the columns a state transition may set.
// Nil fields leave the stored value untouched. ExpiresAt is only applied
// when the job has no expiry yet.
//
// OwnerWorker and OwnerAttempt guard the transition: when set, the job must
// still be held by that worker on that attempt or the transition is stale.
type TransitionFields struct {
	StartedAt   *time.Time
	FinishedAt  *time.Time
	ExpiresAt   *time.Time
	ErrorDetail *string
	WorkerID    *string

	OwnerWorker  *string
	OwnerAttempt *int
}

// Owned reports whether job satisfies the ownership guard in f.
func (f TransitionFields) Owned(job PublishJob) bool {
	if f.OwnerWorker != nil && (job.WorkerID == nil || *job.WorkerID != *f.OwnerWorker) {
		return false
	}
	if f.OwnerAttempt != nil && job.AttemptCount != *f.OwnerAttempt {
		return false
	}
	return true
}

// JobFilter narrows List queries. Zero values match everything.
type JobFilter struct {
	States   []State
	Owner    string
	FileName string
	Limit    int
}

// JobEvent is an audit row appended on every state change.
type JobEvent struct {
	JobID      string    `json:"job_id" db:"job_id"`
	FromState  *State    `json:"from_state,omitempty" db:"from_state"`
	ToState    State     `json:"to_state" db:"to_state"`
	Detail     string    `json:"detail" db:"detail"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// Stats aggregates queue health for operators.
type Stats struct {
	Counts           map[State]int64 `json:"counts"`
	QueueDepth       int64           `json:"queue_depth"`
	InFlight         int64           `json:"in_flight"`
	OldestPendingAge *time.Duration  `json:"oldest_pending_age_ns,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
