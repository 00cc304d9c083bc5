package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

const memberColumns = `id, email, nickname, password_hash, state, refresh_token_hash,
	failed_attempts, last_failure_at, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		member        Member
		id            string
		refreshHash   sql.NullString
		lastFailureAt sql.NullTime
	)
	err := row.Scan(
		&id, &member.Email, &member.Nickname, &member.PasswordHash, &member.State, &refreshHash,
		&member.Lockout.FailedAttempts, &lastFailureAt, &member.Version, &member.CreatedAt, &member.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownIdentity
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}

	if member.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse member id: %w", err)
	}
	member.RefreshTokenHash = refreshHash.String
	if lastFailureAt.Valid {
		value := lastFailureAt.Time.UTC()
		member.Lockout.LastFailureAt = &value
	}
	member.CreatedAt = member.CreatedAt.UTC()
	member.UpdatedAt = member.UpdatedAt.UTC()

	return &member, nil
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (*Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE email = $1`, email)
	return scanMember(row)
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id.String())
	return scanMember(row)
}

// Save writes every mutable column if the stored version still equals
// member.Version, and bumps the version.
func (r *Repository) Save(ctx context.Context, member *Member) (*Member, error) {
	var lastFailure any
	if member.Lockout.LastFailureAt != nil {
		lastFailure = member.Lockout.LastFailureAt.UTC()
	}
	var refreshHash any
	if member.RefreshTokenHash != "" {
		refreshHash = member.RefreshTokenHash
	}

	now := r.now().UTC()
	var version int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE members
		SET email = $3,
			nickname = $4,
			password_hash = $5,
			state = $6,
			refresh_token_hash = $7,
			failed_attempts = $8,
			last_failure_at = $9,
			version = version + 1,
			updated_at = $10
		WHERE id = $1 AND version = $2
		RETURNING version
	`, member.ID.String(), member.Version, member.Email, member.Nickname, member.PasswordHash, member.State,
		refreshHash, member.Lockout.FailedAttempts, lastFailure, now).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missingOrStale(ctx, member.ID)
		}
		return nil, fmt.Errorf("update member: %w", err)
	}

	saved := *member
	saved.Version = version
	saved.UpdatedAt = now
	return &saved, nil
}

func (r *Repository) missingOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM members WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check member exists: %w", err)
	}
	if !exists {
		return ErrUnknownIdentity
	}
	return ErrStaleMember
}

func (r *Repository) Create(ctx context.Context, member *Member) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO members (id, email, nickname, password_hash, state, failed_attempts, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)
	`, member.ID.String(), member.Email, member.Nickname, member.PasswordHash, member.State, member.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert member: %w", err)
	}

	return nil
}
