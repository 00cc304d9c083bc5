package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"member-auth/internal/notify"
	"member-auth/internal/observability"
	"member-auth/internal/reset"
	"member-auth/internal/token"
)

const maxSaveAttempts = 3

// MemberStore persists members. Save is a compare-and-swap on Member.Version
// and returns ErrStaleMember when the stored row has moved on.
type MemberStore interface {
	FindByEmail(ctx context.Context, email string) (*Member, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Member, error)
	Save(ctx context.Context, member *Member) (*Member, error)
	Create(ctx context.Context, member *Member) error
}

type TokenCodec interface {
	Issue(subject string, kind token.Kind, now time.Time) (string, error)
	VerifyKind(tokenStr string, kind token.Kind, now time.Time) (token.Claims, error)
	TTL(kind token.Kind) time.Duration
}

// Observer receives authentication outcomes, typically for metrics.
type Observer interface {
	ObserveLogin(outcome string)
	ObserveResetRequest(outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveLogin(string)        {}
func (noopObserver) ObserveResetRequest(string) {}

type Dependencies struct {
	Members  MemberStore
	Codec    TokenCodec
	Lockout  *LockoutTracker
	Verifier CredentialVerifier
	Resets   *reset.Store
	Notifier notify.Notifier
	Logger   *observability.Logger
	// History is optional; without it successful logins are not recorded.
	History  LoginHistoryStore
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithResetTokenGenerator(generate func() (string, error)) Option {
	return func(s *Service) {
		s.generateResetToken = generate
	}
}

type Service struct {
	members            MemberStore
	codec              TokenCodec
	lockout            *LockoutTracker
	verifier           CredentialVerifier
	resets             *reset.Store
	notifier           notify.Notifier
	logger             *observability.Logger
	history            LoginHistoryStore
	observer           Observer
	generateResetToken func() (string, error)
	now                func() time.Time
}

func NewService(deps Dependencies, opts ...Option) (*Service, error) {
	switch {
	case deps.Members == nil:
		return nil, errors.New("member store is required")
	case deps.Codec == nil:
		return nil, errors.New("token codec is required")
	case deps.Lockout == nil:
		return nil, errors.New("lockout tracker is required")
	case deps.Verifier == nil:
		return nil, errors.New("credential verifier is required")
	case deps.Resets == nil:
		return nil, errors.New("reset store is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	}

	s := &Service{
		members:            deps.Members,
		codec:              deps.Codec,
		lockout:            deps.Lockout,
		verifier:           deps.Verifier,
		resets:             deps.Resets,
		notifier:           deps.Notifier,
		logger:             deps.Logger,
		history:            deps.History,
		observer:           noopObserver{},
		generateResetToken: reset.GenerateToken,
		now:                time.Now,
	}
	if s.history == nil {
		s.history = noopLoginHistory{}
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Login checks lockout before the password so locked accounts never reach the
// hash comparison.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Tokens, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Tokens{}, err
	}

	now := s.now().UTC()
	member, err := s.lookup(ctx, req.Login)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			s.observer.ObserveLogin("unknown_identity")
		}
		return Tokens{}, err
	}

	state, decision := s.lockout.Check(member.Lockout, now)
	if decision.Locked {
		s.observer.ObserveLogin("locked")
		return Tokens{}, &LockedError{Until: decision.LockedUntil}
	}
	member.Lockout = state

	if !s.verifier.Matches(req.Password, member.PasswordHash) {
		if err := s.recordFailure(ctx, member, now); err != nil {
			return Tokens{}, err
		}
		s.observer.ObserveLogin("invalid_credentials")
		return Tokens{}, ErrInvalidCredentials
	}

	if member.State != MemberActive {
		s.observer.ObserveLogin("inactive")
		return Tokens{}, ErrAccountInactive
	}

	subject := member.ID.String()
	access, err := s.codec.Issue(subject, token.KindAccess, now)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.codec.Issue(subject, token.KindRefresh, now)
	if err != nil {
		return Tokens{}, err
	}

	refreshHash := hashRefreshToken(refresh)
	_, err = s.update(ctx, member, func(m *Member) error {
		if _, d := s.lockout.Check(m.Lockout, now); d.Locked {
			return &LockedError{Until: d.LockedUntil}
		}
		m.Lockout = s.lockout.RecordSuccess(m.Lockout)
		m.RefreshTokenHash = refreshHash
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			s.observer.ObserveLogin("locked")
		}
		return Tokens{}, err
	}

	s.observer.ObserveLogin("success")
	s.logger.Info("login_succeeded", map[string]any{"member_id": subject})
	s.recordLogin(ctx, member.ID, req, now)

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.TTL(token.KindAccess).Seconds()),
	}, nil
}

// Refresh exchanges the member's current refresh token for a new access
// token. The refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	now := s.now().UTC()

	claims, err := s.codec.VerifyKind(refreshToken, token.KindRefresh, now)
	if err != nil {
		return Tokens{}, ErrInvalidRefreshToken
	}
	memberID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Tokens{}, ErrInvalidRefreshToken
	}

	member, err := s.members.FindByID(ctx, memberID)
	if err != nil {
		return Tokens{}, err
	}
	if !refreshTokenMatches(refreshToken, member.RefreshTokenHash) {
		return Tokens{}, ErrInvalidRefreshToken
	}
	if member.State != MemberActive {
		return Tokens{}, ErrAccountInactive
	}

	access, err := s.codec.Issue(member.ID.String(), token.KindAccess, now)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.TTL(token.KindAccess).Seconds()),
	}, nil
}

// Validate reports whether accessToken is a currently valid access token.
func (s *Service) Validate(accessToken string) bool {
	_, err := s.VerifyAccess(accessToken)
	return err == nil
}

func (s *Service) VerifyAccess(accessToken string) (token.Claims, error) {
	return s.codec.VerifyKind(accessToken, token.KindAccess, s.now().UTC())
}

// Profile loads the member an access token was issued for.
func (s *Service) Profile(ctx context.Context, subject string) (*Member, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return nil, ErrUnknownIdentity
	}
	return s.members.FindByID(ctx, id)
}

// LoginHistory returns the latest successful logins of the member an access
// token was issued for, newest first.
func (s *Service) LoginHistory(ctx context.Context, subject string, limit int) ([]LoginEvent, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return nil, ErrUnknownIdentity
	}
	switch {
	case limit <= 0:
		limit = defaultHistorySize
	case limit > maxHistorySize:
		limit = maxHistorySize
	}
	return s.history.Recent(ctx, id, limit)
}

// Logout has no server-side effect; the caller discards its refresh token,
// which stays valid until it expires or a later login replaces it.
func (s *Service) Logout(refreshToken string) {
	claims, err := s.codec.VerifyKind(strings.TrimSpace(refreshToken), token.KindRefresh, s.now().UTC())
	if err != nil {
		return
	}
	s.logger.Info("logout", map[string]any{"member_id": claims.Subject})
}

// ChangePassword is gated by the same lockout as Login.
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	member, err := s.members.FindByEmail(ctx, req.Email)
	if err != nil {
		return err
	}

	state, decision := s.lockout.Check(member.Lockout, now)
	if decision.Locked {
		return &LockedError{Until: decision.LockedUntil}
	}
	member.Lockout = state

	if !s.verifier.Matches(req.CurrentPassword, member.PasswordHash) {
		if err := s.recordFailure(ctx, member, now); err != nil {
			return err
		}
		return ErrInvalidCredentials
	}

	hash, err := s.verifier.Hash(req.NewPassword)
	if err != nil {
		return err
	}

	saved, err := s.update(ctx, member, func(m *Member) error {
		m.PasswordHash = hash
		m.RefreshTokenHash = ""
		m.Lockout = s.lockout.RecordSuccess(m.Lockout)
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyPasswordChanged(ctx, saved)
	return nil
}

// RequestPasswordReset issues a reset token for the member with the given
// email and mails the link. A failed notification is returned to the caller.
func (s *Service) RequestPasswordReset(ctx context.Context, req PasswordResetRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	member, err := s.members.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			s.observer.ObserveResetRequest("unknown_target")
			return ErrResetTargetNotFound
		}
		return err
	}

	raw, err := s.generateResetToken()
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	record, err := s.resets.Issue(ctx, reset.Target{MemberID: member.ID, Email: member.Email}, raw, s.now().UTC())
	if err != nil {
		s.observer.ObserveResetRequest("failed")
		return err
	}

	s.observer.ObserveResetRequest("issued")
	s.logger.Info("password_reset_issued", map[string]any{
		"member_id":  member.ID.String(),
		"expires_at": record.ExpiresAt.Format(time.RFC3339),
	})
	return nil
}

// ResetPassword redeems a reset token and replaces the member's password. The
// lockout counter and the stored refresh token are cleared. If the password
// cannot be saved the token is released for another attempt.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	hash, err := s.verifier.Hash(req.NewPassword)
	if err != nil {
		return err
	}

	record, err := s.resets.Redeem(ctx, req.Token, s.now().UTC())
	if err != nil {
		return err
	}

	saved, err := s.applyReset(ctx, record.MemberID, hash)
	if err != nil {
		if releaseErr := s.resets.Release(context.WithoutCancel(ctx), record); releaseErr != nil {
			s.logger.Error("password_reset_release_failed", map[string]any{
				"member_id": record.MemberID.String(),
				"error":     releaseErr.Error(),
			})
		}
		return err
	}

	s.notifyPasswordChanged(ctx, saved)
	return nil
}

func (s *Service) applyReset(ctx context.Context, memberID uuid.UUID, hash string) (*Member, error) {
	member, err := s.members.FindByID(ctx, memberID)
	if err != nil {
		return nil, err
	}

	return s.update(ctx, member, func(m *Member) error {
		m.PasswordHash = hash
		m.RefreshTokenHash = ""
		m.Lockout = LockoutState{}
		return nil
	})
}

// BootstrapMember creates or updates a single member from startup configuration.
func (s *Service) BootstrapMember(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("BOOTSTRAP_EMAIL and BOOTSTRAP_PASSWORD are required together")
	}
	if err := validateEmail(email); err != nil {
		return err
	}

	hash, err := s.verifier.Hash(password)
	if err != nil {
		return err
	}

	existing, err := s.members.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUnknownIdentity) {
		return err
	}
	if existing != nil {
		_, err = s.update(ctx, existing, func(m *Member) error {
			m.PasswordHash = hash
			m.State = MemberActive
			m.Lockout = LockoutState{}
			return nil
		})
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate member id: %w", err)
	}
	now := s.now().UTC()
	return s.members.Create(ctx, &Member{
		ID:           id,
		Email:        email,
		Nickname:     nicknameFromEmail(email),
		PasswordHash: hash,
		State:        MemberActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (s *Service) lookup(ctx context.Context, login string) (*Member, error) {
	if id, err := uuid.Parse(login); err == nil {
		return s.members.FindByID(ctx, id)
	}
	return s.members.FindByEmail(ctx, normalizeEmail(login))
}

// recordLogin never fails the login; a lost history row is only logged.
func (s *Service) recordLogin(ctx context.Context, memberID uuid.UUID, req LoginRequest, now time.Time) {
	id, err := uuid.NewV7()
	if err == nil {
		err = s.history.Record(ctx, LoginEvent{
			ID:         id,
			MemberID:   memberID,
			IP:         req.IP,
			UserAgent:  req.UserAgent,
			LoggedInAt: now,
		})
	}
	if err != nil {
		s.logger.Warn("login_history_failed", map[string]any{
			"member_id": memberID.String(),
			"error":     err.Error(),
		})
	}
}

func (s *Service) recordFailure(ctx context.Context, member *Member, now time.Time) error {
	saved, err := s.update(ctx, member, func(m *Member) error {
		state, _ := s.lockout.Check(m.Lockout, now)
		m.Lockout = s.lockout.RecordFailure(state, now)
		return nil
	})
	if err != nil {
		return err
	}

	fields := map[string]any{
		"member_id":       saved.ID.String(),
		"failed_attempts": saved.Lockout.FailedAttempts,
	}
	if saved.Lockout.FailedAttempts >= s.lockout.MaxAttempts() {
		s.logger.Warn("member_locked_out", fields)
	} else {
		s.logger.Info("login_failed", fields)
	}
	return nil
}

// update applies mutate and saves, reloading and reapplying when another
// request saved the member first.
func (s *Service) update(ctx context.Context, member *Member, mutate func(*Member) error) (*Member, error) {
	current := member
	for attempt := 1; ; attempt++ {
		if err := mutate(current); err != nil {
			return nil, err
		}

		saved, err := s.members.Save(ctx, current)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrStaleMember) || attempt >= maxSaveAttempts {
			return nil, err
		}

		current, err = s.members.FindByID(ctx, member.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (s *Service) notifyPasswordChanged(ctx context.Context, member *Member) {
	err := s.notifier.Send(ctx, member.Email, "Password changed", "Your password was changed successfully.")
	if err != nil {
		s.logger.Warn("password_changed_notification_failed", map[string]any{
			"member_id": member.ID.String(),
			"error":     err.Error(),
		})
	}
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func refreshTokenMatches(raw, storedHash string) bool {
	if raw == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashRefreshToken(raw)), []byte(storedHash)) == 1
}

func nicknameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "member"
	}
	return local
}
