package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxUserAgentLength = 512
	defaultHistorySize = 20
	maxHistorySize     = 100
)

// LoginEvent is one successful login.
type LoginEvent struct {
	ID         uuid.UUID `json:"id"`
	MemberID   uuid.UUID `json:"-"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

type LoginHistoryStore interface {
	Record(ctx context.Context, event LoginEvent) error
	Recent(ctx context.Context, memberID uuid.UUID, limit int) ([]LoginEvent, error)
}

type noopLoginHistory struct{}

func (noopLoginHistory) Record(context.Context, LoginEvent) error { return nil }

func (noopLoginHistory) Recent(context.Context, uuid.UUID, int) ([]LoginEvent, error) {
	return nil, nil
}

type PostgresLoginHistory struct {
	db *sql.DB
}

func NewPostgresLoginHistory(db *sql.DB) *PostgresLoginHistory {
	return &PostgresLoginHistory{db: db}
}

func (h *PostgresLoginHistory) Record(ctx context.Context, event LoginEvent) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO login_history (id, member_id, ip_address, user_agent, logged_in_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID.String(), event.MemberID.String(), event.IP, event.UserAgent, event.LoggedInAt.UTC())
	if err != nil {
		return fmt.Errorf("insert login history: %w", err)
	}

	return nil
}

// Recent returns the member's latest logins, newest first.
func (h *PostgresLoginHistory) Recent(ctx context.Context, memberID uuid.UUID, limit int) ([]LoginEvent, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, ip_address, user_agent, logged_in_at
		FROM login_history
		WHERE member_id = $1
		ORDER BY logged_in_at DESC
		LIMIT $2
	`, memberID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query login history: %w", err)
	}
	defer rows.Close()

	events := make([]LoginEvent, 0, limit)
	for rows.Next() {
		var (
			event LoginEvent
			id    string
		)
		if err := rows.Scan(&id, &event.IP, &event.UserAgent, &event.LoggedInAt); err != nil {
			return nil, fmt.Errorf("scan login history: %w", err)
		}
		if event.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse login history id: %w", err)
		}
		event.MemberID = memberID
		event.LoggedInAt = event.LoggedInAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login history: %w", err)
	}

	return events, nil
}

func (h *PostgresLoginHistory) DeleteStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := h.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM login_history
			WHERE logged_in_at < $1
			ORDER BY logged_in_at ASC
			LIMIT $2
		)
		DELETE FROM login_history h
		USING stale
		WHERE h.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login history rows affected: %w", err)
	}

	return affected, nil
}

func truncateUserAgent(ua string) string {
	if len(ua) <= maxUserAgentLength {
		return ua
	}
	cut := maxUserAgentLength
	for cut > 0 && !utf8.RuneStart(ua[cut]) {
		cut--
	}
	return ua[:cut]
}
