package auth

import (
	"time"

	"github.com/google/uuid"
)

type MemberState int

const (
	MemberActive MemberState = iota
	MemberSuspended
)

type Member struct {
	ID               uuid.UUID
	Email            string
	Nickname         string
	PasswordHash     string
	State            MemberState
	RefreshTokenHash string
	Lockout          LockoutState
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LockoutState is the consecutive failure counter stored on the member row.
type LockoutState struct {
	FailedAttempts int
	LastFailureAt  *time.Time
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
