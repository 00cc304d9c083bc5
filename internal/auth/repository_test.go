package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memberColumnNames = []string{
	"id", "email", "nickname", "password_hash", "state", "refresh_token_hash",
	"failed_attempts", "last_failure_at", "version", "created_at", "updated_at",
}

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	repo := NewRepository(db)
	repo.now = func() time.Time { return baseTime }
	return repo, mock
}

func TestRepositoryFindByEmail(t *testing.T) {
	repo, mock := newMockRepository(t)
	id := uuid.New()
	lastFailure := baseTime.Add(-time.Minute)

	rows := sqlmock.NewRows(memberColumnNames).
		AddRow(id.String(), testEmail, "ada", "hash", int64(0), "refresh-hash", int64(2), lastFailure, int64(7), baseTime, baseTime)
	mock.ExpectQuery(`FROM members WHERE email = \$1`).
		WithArgs(testEmail).
		WillReturnRows(rows)

	member, err := repo.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, id, member.ID)
	assert.Equal(t, MemberActive, member.State)
	assert.Equal(t, "refresh-hash", member.RefreshTokenHash)
	assert.Equal(t, 2, member.Lockout.FailedAttempts)
	require.NotNil(t, member.Lockout.LastFailureAt)
	assert.True(t, lastFailure.Equal(*member.Lockout.LastFailureAt))
	assert.Equal(t, int64(7), member.Version)
}

func TestRepositoryFindByIDMissing(t *testing.T) {
	repo, mock := newMockRepository(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM members WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(memberColumnNames))

	_, err := repo.FindByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestRepositorySaveBumpsVersion(t *testing.T) {
	repo, mock := newMockRepository(t)
	lastFailure := baseTime.Add(-time.Minute)
	member := &Member{
		ID:           uuid.New(),
		Email:        testEmail,
		Nickname:     "ada",
		PasswordHash: "hash",
		State:        MemberActive,
		Lockout:      LockoutState{FailedAttempts: 1, LastFailureAt: &lastFailure},
		Version:      3,
	}

	mock.ExpectQuery(`UPDATE members`).
		WithArgs(member.ID.String(), int64(3), testEmail, "ada", "hash", MemberActive, nil, 1, lastFailure, baseTime).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

	saved, err := repo.Save(context.Background(), member)
	require.NoError(t, err)
	assert.Equal(t, int64(4), saved.Version)
	assert.Equal(t, int64(3), member.Version)
	assert.Equal(t, baseTime, saved.UpdatedAt)
}

func TestRepositorySaveStaleVersion(t *testing.T) {
	repo, mock := newMockRepository(t)
	member := &Member{ID: uuid.New(), Email: testEmail, Version: 3}

	mock.ExpectQuery(`UPDATE members`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(member.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.Save(context.Background(), member)
	assert.ErrorIs(t, err, ErrStaleMember)
}

func TestRepositorySaveMissingMember(t *testing.T) {
	repo, mock := newMockRepository(t)
	member := &Member{ID: uuid.New(), Email: testEmail, Version: 3}

	mock.ExpectQuery(`UPDATE members`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(member.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.Save(context.Background(), member)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestRepositoryCreate(t *testing.T) {
	member := &Member{ID: uuid.New(), Email: testEmail, Nickname: "ada", PasswordHash: "hash", CreatedAt: baseTime}

	t.Run("inserted", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(`INSERT INTO members`).
			WithArgs(member.ID.String(), testEmail, "ada", "hash", MemberActive, baseTime).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(context.Background(), member))
	})

	t.Run("duplicate email", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(`INSERT INTO members`).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "members_email_key"})

		assert.ErrorIs(t, repo.Create(context.Background(), member), ErrEmailTaken)
	})

	t.Run("other failure", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(`INSERT INTO members`).
			WillReturnError(errors.New("connection reset"))

		err := repo.Create(context.Background(), member)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrEmailTaken)
	})
}
