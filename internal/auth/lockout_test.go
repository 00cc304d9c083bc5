package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockoutTrackerDefaults(t *testing.T) {
	tracker := NewLockoutTracker(LockoutPolicy{})
	assert.Equal(t, 5, tracker.MaxAttempts())
	assert.Equal(t, time.Hour, tracker.LockDuration())
}

func TestLockoutTrackerCheck(t *testing.T) {
	tracker := NewLockoutTracker(LockoutPolicy{MaxAttempts: 3, LockDuration: 30 * time.Minute})
	last := baseTime

	tests := []struct {
		name         string
		state        LockoutState
		now          time.Time
		wantLocked   bool
		wantAttempts int
	}{
		{
			name:         "below threshold",
			state:        LockoutState{FailedAttempts: 2, LastFailureAt: &last},
			now:          baseTime.Add(time.Second),
			wantAttempts: 2,
		},
		{
			name:         "at threshold inside window",
			state:        LockoutState{FailedAttempts: 3, LastFailureAt: &last},
			now:          baseTime.Add(29 * time.Minute),
			wantLocked:   true,
			wantAttempts: 3,
		},
		{
			name:         "window elapsed resets counter",
			state:        LockoutState{FailedAttempts: 4, LastFailureAt: &last},
			now:          baseTime.Add(30 * time.Minute),
			wantAttempts: 0,
		},
		{
			name:         "threshold without timestamp",
			state:        LockoutState{FailedAttempts: 3},
			now:          baseTime,
			wantAttempts: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, decision := tracker.Check(tt.state, tt.now)
			assert.Equal(t, tt.wantLocked, decision.Locked)
			assert.Equal(t, tt.wantAttempts, state.FailedAttempts)
			assert.Equal(t, tt.wantLocked, tracker.Locked(tt.state, tt.now))
			if tt.wantLocked {
				assert.Equal(t, last.Add(30*time.Minute), decision.LockedUntil)
			}
		})
	}
}

func TestLockoutTrackerRecord(t *testing.T) {
	tracker := NewLockoutTracker(LockoutPolicy{MaxAttempts: 2, LockDuration: time.Minute})

	state := LockoutState{}
	state = tracker.RecordFailure(state, baseTime)
	assert.Equal(t, 1, state.FailedAttempts)
	assert.False(t, tracker.Locked(state, baseTime))

	state = tracker.RecordFailure(state, baseTime.Add(time.Second))
	assert.Equal(t, 2, state.FailedAttempts)
	assert.Equal(t, baseTime.Add(time.Second), *state.LastFailureAt)
	assert.True(t, tracker.Locked(state, baseTime.Add(2*time.Second)))

	state = tracker.RecordSuccess(state)
	assert.Zero(t, state.FailedAttempts)
	assert.False(t, tracker.Locked(state, baseTime.Add(2*time.Second)))
}
