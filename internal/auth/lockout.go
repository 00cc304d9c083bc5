package auth

import "time"

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = time.Hour
)

type LockoutPolicy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// LockoutDecision is the outcome of consulting the tracker before a credential check.
type LockoutDecision struct {
	Locked      bool
	LockedUntil time.Time
}

// LockoutTracker holds the transition rules for LockoutState. It keeps no
// state of its own; callers persist the returned values.
type LockoutTracker struct {
	maxAttempts  int
	lockDuration time.Duration
}

func NewLockoutTracker(policy LockoutPolicy) *LockoutTracker {
	t := &LockoutTracker{
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockDuration,
	}
	if policy.MaxAttempts > 0 {
		t.maxAttempts = policy.MaxAttempts
	}
	if policy.LockDuration > 0 {
		t.lockDuration = policy.LockDuration
	}
	return t
}

func (t *LockoutTracker) MaxAttempts() int {
	return t.maxAttempts
}

func (t *LockoutTracker) LockDuration() time.Duration {
	return t.lockDuration
}

// Check gates a credential check. Once the lock window has elapsed since the
// last failure the counter is reset and the attempt is allowed through.
func (t *LockoutTracker) Check(state LockoutState, now time.Time) (LockoutState, LockoutDecision) {
	if state.FailedAttempts < t.maxAttempts {
		return state, LockoutDecision{}
	}

	if state.LastFailureAt == nil {
		return LockoutState{}, LockoutDecision{}
	}

	until := state.LastFailureAt.Add(t.lockDuration)
	if !now.Before(until) {
		return LockoutState{FailedAttempts: 0, LastFailureAt: state.LastFailureAt}, LockoutDecision{}
	}

	return state, LockoutDecision{Locked: true, LockedUntil: until}
}

func (t *LockoutTracker) RecordFailure(state LockoutState, now time.Time) LockoutState {
	at := now.UTC()
	return LockoutState{FailedAttempts: state.FailedAttempts + 1, LastFailureAt: &at}
}

func (t *LockoutTracker) RecordSuccess(state LockoutState) LockoutState {
	return LockoutState{FailedAttempts: 0, LastFailureAt: state.LastFailureAt}
}

// Locked reports whether state is locked as of now without changing it.
func (t *LockoutTracker) Locked(state LockoutState, now time.Time) bool {
	_, decision := t.Check(state, now)
	return decision.Locked
}
