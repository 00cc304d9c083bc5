// Package reset issues and redeems single-use password reset tokens.
package reset

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL = 24 * time.Hour
	tokenBytes = 32
)

var (
	ErrNotFound           = errors.New("reset token not found")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
	ErrNotificationFailed = errors.New("reset notification failed")
)

// PasswordResetToken is the persisted form of a reset token. Only the sha256
// of the token leaves the process.
type PasswordResetToken struct {
	ID        uuid.UUID
	MemberID  uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	UsedAt    *time.Time
}

// Valid reports whether the token can still be redeemed at now.
func (t *PasswordResetToken) Valid(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
