package auth

import (
	"net/mail"
	"strings"
	"unicode"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 200
	maxEmailLength    = 254
)

// LoginRequest carries either an email address or a member id in Login. IP
// and UserAgent describe the client and end up in the login history.
type LoginRequest struct {
	Login     string
	Password  string
	IP        string
	UserAgent string
}

func (r *LoginRequest) Normalize() {
	r.Login = strings.TrimSpace(r.Login)
	r.IP = strings.TrimSpace(r.IP)
	r.UserAgent = truncateUserAgent(strings.TrimSpace(r.UserAgent))
}

func (r LoginRequest) Validate() error {
	if r.Login == "" {
		return &ValidationError{Field: "login", Reason: "is required"}
	}
	if r.Password == "" {
		return &ValidationError{Field: "password", Reason: "is required"}
	}
	if len(r.Password) > maxPasswordLength {
		return &ValidationError{Field: "password", Reason: "is too long"}
	}
	return nil
}

type ChangePasswordRequest struct {
	Email           string
	CurrentPassword string
	NewPassword     string
}

func (r *ChangePasswordRequest) Normalize() {
	r.Email = normalizeEmail(r.Email)
}

func (r ChangePasswordRequest) Validate() error {
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if r.CurrentPassword == "" {
		return &ValidationError{Field: "current_password", Reason: "is required"}
	}
	if err := ValidatePassword("new_password", r.NewPassword); err != nil {
		return err
	}
	if r.NewPassword == r.CurrentPassword {
		return &ValidationError{Field: "new_password", Reason: "must differ from the current password"}
	}
	return nil
}

type PasswordResetRequest struct {
	Email string
}

func (r *PasswordResetRequest) Normalize() {
	r.Email = normalizeEmail(r.Email)
}

func (r PasswordResetRequest) Validate() error {
	return validateEmail(r.Email)
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

func (r *ResetPasswordRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
}

func (r ResetPasswordRequest) Validate() error {
	if r.Token == "" {
		return &ValidationError{Field: "token", Reason: "is required"}
	}
	return ValidatePassword("new_password", r.NewPassword)
}

// ValidatePassword enforces the password policy: 8 to 200 characters with at
// least one digit, lower case letter, upper case letter and symbol, no spaces.
func ValidatePassword(field, password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return &ValidationError{Field: field, Reason: "must be between 8 and 200 characters"}
	}

	var digit, lower, upper, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsSpace(r):
			return &ValidationError{Field: field, Reason: "must not contain whitespace"}
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !digit || !lower || !upper || !symbol {
		return &ValidationError{Field: field, Reason: "must mix digits, lower and upper case letters and symbols"}
	}

	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Reason: "is required"}
	}
	if len(email) > maxEmailLength {
		return &ValidationError{Field: "email", Reason: "is too long"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Reason: "is invalid"}
	}
	return nil
}
