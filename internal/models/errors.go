package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown job id, repository name or source path.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports a destination path already held by a live job.
type ConflictError struct {
	DestinationPath string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("destination %q is already published by a live job", e.DestinationPath)
}

// StaleStateError reports a transition attempted against a job that is no
// longer in the expected state. Callers treat it as a lost race.
//
// When the state matched but another worker or attempt holds the job,
// Owner names the current holder.
type StaleStateError struct {
	JobID    string
	Expected State
	Actual   State
	Owner    string
}

func (e *StaleStateError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("job %s: %s but held by %s", e.JobID, e.Actual, e.Owner)
	}
	return fmt.Sprintf("job %s: expected state %s, found %s", e.JobID, e.Expected, e.Actual)
}

// IllegalTransitionError reports an edge the state machine does not have.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// InvalidStateError reports an operation requested while the job is in a
// state that forbids it, e.g. renewing an expired job.
type InvalidStateError struct {
	JobID     string
	Operation string
	State     State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in state %s", e.Operation, e.JobID, e.State)
}

// RetryLimitError reports a retry request past the configured attempt budget.
type RetryLimitError struct {
	JobID    string
	Attempts int
	Max      int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("job %s exhausted its retries (%d of %d attempts)", e.JobID, e.Attempts, e.Max)
}

// PolicyViolationError reports a request the repository rules forbid.
// No I/O is attempted for such jobs.
type PolicyViolationError struct {
	Repository string
	Reason     string
}

func (e *PolicyViolationError) Error() string {
	if e.Repository == "" {
		return "policy violation: " + e.Reason
	}
	return fmt.Sprintf("policy violation in repository %s: %s", e.Repository, e.Reason)
}

// ValidationError reports malformed request input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransferError wraps an I/O failure during publication. Transient failures
// are retried inside the worker; permanent ones fail the job.
type TransferError struct {
	Op        string
	Path      string
	Transient bool
	Err       error
}

func (e *TransferError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Path == "" {
		return fmt.Sprintf("%s %s failure: %v", kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failure on %s: %v", kind, e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransferError worth retrying.
func IsTransient(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Transient
}

// IsStale reports whether err is a lost compare-and-swap race.
func IsStale(err error) bool {
	var se *StaleStateError
	return errors.As(err, &se)
}
