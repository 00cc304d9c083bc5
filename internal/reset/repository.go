package reset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, token *PasswordResetToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (id, member_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID.String(), token.MemberID.String(), token.TokenHash, token.ExpiresAt.UTC(), token.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert password reset token: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error) {
	var (
		token    PasswordResetToken
		id       string
		memberID string
		usedAt   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, member_id, token_hash, expires_at, created_at, used_at
		FROM password_reset_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&id, &memberID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query password reset token: %w", err)
	}

	if token.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse reset token id: %w", err)
	}
	if token.MemberID, err = uuid.Parse(memberID); err != nil {
		return nil, fmt.Errorf("parse reset member id: %w", err)
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	if usedAt.Valid {
		value := usedAt.Time.UTC()
		token.UsedAt = &value
	}

	return &token, nil
}

func (r *PostgresRepository) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE password_reset_tokens
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
	`, id.String(), at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark reset token used: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reset token rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *PostgresRepository) Release(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE password_reset_tokens
		SET used_at = NULL
		WHERE id = $1
	`, id.String())
	if err != nil {
		return fmt.Errorf("release reset token: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM password_reset_tokens
			WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM password_reset_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale reset tokens rows affected: %w", err)
	}

	return affected, nil
}
