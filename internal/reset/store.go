package reset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"member-auth/internal/notify"
)

type Repository interface {
	Create(ctx context.Context, token *PasswordResetToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error)
	// MarkUsed stamps used_at if it is still empty and reports whether it did.
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// Release clears used_at so the token can be redeemed again.
	Release(ctx context.Context, id uuid.UUID) error
	DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type Config struct {
	ResetURL string
	TTL      time.Duration
}

// Target identifies who a reset token is issued for.
type Target struct {
	MemberID uuid.UUID
	Email    string
}

type Store struct {
	repo     Repository
	notifier notify.Notifier
	resetURL *url.URL
	ttl      time.Duration
}

func NewStore(repo Repository, notifier notify.Notifier, cfg Config) (*Store, error) {
	if repo == nil {
		return nil, errors.New("reset repository is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}

	parsed, err := url.Parse(strings.TrimSpace(cfg.ResetURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid reset url %q", cfg.ResetURL)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{repo: repo, notifier: notifier, resetURL: parsed, ttl: ttl}, nil
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue stamps and persists rawToken for target and mails the reset link.
// A failed notification voids the record and is reported to the caller.
func (s *Store) Issue(ctx context.Context, target Target, rawToken string, now time.Time) (*PasswordResetToken, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, errors.New("reset token value is required")
	}
	if target.MemberID == uuid.Nil || strings.TrimSpace(target.Email) == "" {
		return nil, errors.New("reset target is incomplete")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate reset token id: %w", err)
	}

	now = now.UTC()
	record := &PasswordResetToken{
		ID:        id,
		MemberID:  target.MemberID,
		TokenHash: HashToken(rawToken),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, err
	}

	body := "To reset your password, open the link below:\n" + s.link(rawToken) +
		"\n\nThe link expires at " + record.ExpiresAt.Format(time.RFC1123) + "."
	if err := s.notifier.Send(ctx, target.Email, "Password reset request", body); err != nil {
		if _, voidErr := s.repo.MarkUsed(context.WithoutCancel(ctx), record.ID, now); voidErr != nil {
			return nil, fmt.Errorf("%w: %v (voiding token: %v)", ErrNotificationFailed, err, voidErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	return record, nil
}

// Redeem consumes rawToken and returns the record it matched, stamped as used.
// Callers that fail to apply the reset hand the record back through Release.
func (s *Store) Redeem(ctx context.Context, rawToken string, now time.Time) (*PasswordResetToken, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrInvalidResetToken
	}

	record, err := s.repo.GetByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidResetToken
		}
		return nil, err
	}
	if !record.Valid(now) {
		return nil, ErrInvalidResetToken
	}

	usedAt := now.UTC()
	marked, err := s.repo.MarkUsed(ctx, record.ID, usedAt)
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, ErrInvalidResetToken
	}

	record.UsedAt = &usedAt
	return record, nil
}

// Release makes a redeemed token redeemable again. It still expires at its
// original ExpiresAt.
func (s *Store) Release(ctx context.Context, record *PasswordResetToken) error {
	if record == nil {
		return nil
	}
	if err := s.repo.Release(ctx, record.ID); err != nil {
		return err
	}
	record.UsedAt = nil
	return nil
}

func (s *Store) link(rawToken string) string {
	u := *s.resetURL
	q := u.Query()
	q.Set("token", rawToken)
	u.RawQuery = q.Encode()
	return u.String()
}
