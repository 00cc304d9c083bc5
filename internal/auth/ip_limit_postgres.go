package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIPLimiter counts hits per key in fixed windows stored in
// auth_login_ip_limits, so limits hold across instances.
type PostgresIPLimiter struct {
	db      *sql.DB
	maxHits int
	window  time.Duration
}

func NewPostgresIPLimiter(db *sql.DB, maxHits int, window time.Duration) *PostgresIPLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &PostgresIPLimiter{db: db, maxHits: maxHits, window: window}
}

func (l *PostgresIPLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	now = now.UTC()
	threshold := now.Add(-l.window)

	var hits int
	var windowStartedAt time.Time
	err := l.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
					ELSE auth_login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
					ELSE auth_login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, key, now, threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= l.maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.UTC().Add(l.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

// DeleteStale removes rows untouched since cutoff, at most batchSize per call.
func (l *PostgresIPLimiter) DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := l.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login ip limits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login ip limits rows affected: %w", err)
	}

	return affected, nil
}
