package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"Correct-horse1", true},
		{"Aa1!aaaa", true},
		{"Aa1!aaa", false},
		{"correct-horse1", false},
		{"CORRECT-HORSE1", false},
		{"Correct-horse", false},
		{"Correcthorse1", false},
		{"Correct horse1!", false},
		{"A1!" + strings.Repeat("a", 198), false},
	}

	for _, tt := range tests {
		err := ValidatePassword("password", tt.password)
		if tt.ok {
			assert.NoError(t, err, tt.password)
			continue
		}
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr, tt.password)
	}
}

func TestPasswordResetRequestNormalizesEmail(t *testing.T) {
	req := PasswordResetRequest{Email: "  Ada@Example.COM "}
	req.Normalize()
	assert.Equal(t, "ada@example.com", req.Email)
	assert.NoError(t, req.Validate())

	bad := PasswordResetRequest{Email: "Ada <ada@example.com>"}
	bad.Normalize()
	assert.Error(t, bad.Validate())
}

func TestChangePasswordRequestRejectsReuse(t *testing.T) {
	req := ChangePasswordRequest{Email: testEmail, CurrentPassword: testPassword, NewPassword: testPassword}
	var validationErr *ValidationError
	require.ErrorAs(t, req.Validate(), &validationErr)
	assert.Equal(t, "new_password", validationErr.Field)
}

func TestResetPasswordRequestRequiresToken(t *testing.T) {
	req := ResetPasswordRequest{Token: "  ", NewPassword: testPassword}
	req.Normalize()
	var validationErr *ValidationError
	require.ErrorAs(t, req.Validate(), &validationErr)
	assert.Equal(t, "token", validationErr.Field)
}

func TestBcryptVerifier(t *testing.T) {
	verifier := NewBcryptVerifier(bcrypt.MinCost)

	hash, err := verifier.Hash(testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, testPassword, hash)

	assert.True(t, verifier.Matches(testPassword, hash))
	assert.False(t, verifier.Matches("Wrong-horse1", hash))
	assert.False(t, verifier.Matches("", hash))
	assert.False(t, verifier.Matches(testPassword, ""))
	assert.False(t, verifier.Matches(testPassword, "not-a-bcrypt-hash"))
}
