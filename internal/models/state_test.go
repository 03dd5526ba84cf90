package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StatePending, StateRunning}: true,
		{StateRunning, StateDone}:    true,
		{StateRunning, StateError}:   true,
		{StateDone, StateExpired}:    true,
		{StateError, StatePending}:   true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := allowed[[2]State{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestExpiredIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(StateExpired))
	for _, to := range AllStates {
		require.False(t, CanTransition(StateExpired, to))
	}
	require.False(t, Live(StateExpired))
	require.True(t, Live(StateError))
	require.False(t, Renewable(StateError))
	require.True(t, Renewable(StateDone))
}

func TestExpiredAt(t *testing.T) {
	now := time.Now()
	job := PublishJob{}
	require.False(t, job.ExpiredAt(now))

	job.ExpiresAt = Ptr(now)
	require.True(t, job.ExpiredAt(now))

	job.ExpiresAt = Ptr(now.Add(time.Second))
	require.False(t, job.ExpiredAt(now))
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("load: %w", &NotFoundError{Kind: "job", Key: "abc"})
	require.ErrorIs(t, err, ErrNotFound)

	transient := fmt.Errorf("copy: %w", &TransferError{Op: "copy", Transient: true, Err: errors.New("busy")})
	require.True(t, IsTransient(transient))
	require.False(t, IsTransient(&TransferError{Op: "copy", Err: errors.New("gone")}))
	require.False(t, IsTransient(errors.New("plain")))

	require.True(t, IsStale(fmt.Errorf("claim: %w", &StaleStateError{JobID: "j", Expected: StatePending, Actual: StateRunning})))
}

func TestStateValid(t *testing.T) {
	require.True(t, StateDone.Valid())
	require.False(t, State("archived").Valid())
	require.True(t, ModeLink.Valid())
	require.False(t, Mode("move").Valid())
}
