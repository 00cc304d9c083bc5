package auth

import (
	"errors"
	"time"
)

var (
	ErrUnknownIdentity     = errors.New("unknown identity")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account temporarily locked")
	ErrAccountInactive     = errors.New("account inactive")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrResetTargetNotFound = errors.New("reset target not found")
	ErrStaleMember         = errors.New("member was modified concurrently")
	ErrEmailTaken          = errors.New("email already registered")
)

// LockedError reports when a locked account may retry.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return ErrAccountLocked.Error()
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// ValidationError is returned for malformed requests before they reach the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}
