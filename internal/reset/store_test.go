package reset

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issuedAt = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

type memoryRepo struct {
	mu     sync.Mutex
	byHash map[string]*PasswordResetToken
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{byHash: make(map[string]*PasswordResetToken)}
}

func (r *memoryRepo) Create(_ context.Context, token *PasswordResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *token
	r.byHash[token.TokenHash] = &copied
	return nil
}

func (r *memoryRepo) GetByTokenHash(_ context.Context, tokenHash string) (*PasswordResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *token
	return &copied, nil
}

func (r *memoryRepo) MarkUsed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, token := range r.byHash {
		if token.ID == id {
			if token.UsedAt != nil {
				return false, nil
			}
			used := at
			token.UsedAt = &used
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) Release(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, token := range r.byHash {
		if token.ID == id {
			token.UsedAt = nil
		}
	}
	return nil
}

func (r *memoryRepo) DeleteStale(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type sentMessage struct {
	address, subject, body string
}

type recordingNotifier struct {
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, address, subject, body string) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{address, subject, body})
	return nil
}

func newTestStore(t *testing.T, notifier *recordingNotifier) (*Store, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	store, err := NewStore(repo, notifier, Config{ResetURL: "https://members.example.com/reset-password"})
	require.NoError(t, err)
	return store, repo
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil, &recordingNotifier{}, Config{ResetURL: "https://x.example"})
	require.Error(t, err)

	_, err = NewStore(newMemoryRepo(), nil, Config{ResetURL: "https://x.example"})
	require.Error(t, err)

	_, err = NewStore(newMemoryRepo(), &recordingNotifier{}, Config{ResetURL: "not a url"})
	require.Error(t, err)

	store, err := NewStore(newMemoryRepo(), &recordingNotifier{}, Config{ResetURL: "https://x.example"})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, store.TTL())
}

func TestIssueStampsExpiryAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	store, repo := newTestStore(t, notifier)
	memberID := uuid.New()

	record, err := store.Issue(context.Background(), Target{MemberID: memberID, Email: "member@example.com"}, "raw-token-1", issuedAt)
	require.NoError(t, err)

	assert.Equal(t, memberID, record.MemberID)
	assert.Equal(t, issuedAt.Add(1440*time.Minute), record.ExpiresAt)
	assert.Equal(t, HashToken("raw-token-1"), record.TokenHash)
	assert.NotContains(t, repo.byHash, "raw-token-1")

	require.Len(t, notifier.sent, 1)
	msg := notifier.sent[0]
	assert.Equal(t, "member@example.com", msg.address)
	assert.Contains(t, msg.body, "https://members.example.com/reset-password?token=raw-token-1")
}

func TestIssueRejectsIncompleteInput(t *testing.T) {
	store, _ := newTestStore(t, &recordingNotifier{})

	_, err := store.Issue(context.Background(), Target{MemberID: uuid.New(), Email: "a@example.com"}, "", issuedAt)
	require.Error(t, err)

	_, err = store.Issue(context.Background(), Target{Email: "a@example.com"}, "tok", issuedAt)
	require.Error(t, err)
}

func TestIssueSurfacesNotificationFailureAndVoidsToken(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	store, _ := newTestStore(t, notifier)

	_, err := store.Issue(context.Background(), Target{MemberID: uuid.New(), Email: "member@example.com"}, "raw-token-2", issuedAt)
	require.ErrorIs(t, err, ErrNotificationFailed)

	_, err = store.Redeem(context.Background(), "raw-token-2", issuedAt.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestRedeemExpiryWindow(t *testing.T) {
	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{name: "valid one minute before expiry", at: issuedAt.Add(1439 * time.Minute)},
		{name: "invalid one minute after expiry", at: issuedAt.Add(1441 * time.Minute), wantErr: ErrInvalidResetToken},
		{name: "invalid at exact expiry", at: issuedAt.Add(1440 * time.Minute), wantErr: ErrInvalidResetToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t, &recordingNotifier{})
			memberID := uuid.New()
			_, err := store.Issue(context.Background(), Target{MemberID: memberID, Email: "m@example.com"}, "tok", issuedAt)
			require.NoError(t, err)

			got, err := store.Redeem(context.Background(), "tok", tt.at)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, memberID, got.MemberID)
			require.NotNil(t, got.UsedAt)
			assert.Equal(t, tt.at, *got.UsedAt)
		})
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	store, _ := newTestStore(t, &recordingNotifier{})
	_, err := store.Issue(context.Background(), Target{MemberID: uuid.New(), Email: "m@example.com"}, "once", issuedAt)
	require.NoError(t, err)

	_, err = store.Redeem(context.Background(), "once", issuedAt.Add(time.Minute))
	require.NoError(t, err)

	_, err = store.Redeem(context.Background(), "once", issuedAt.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestReleaseMakesTokenRedeemableAgain(t *testing.T) {
	store, _ := newTestStore(t, &recordingNotifier{})
	memberID := uuid.New()
	_, err := store.Issue(context.Background(), Target{MemberID: memberID, Email: "m@example.com"}, "again", issuedAt)
	require.NoError(t, err)

	record, err := store.Redeem(context.Background(), "again", issuedAt.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.Release(context.Background(), record))
	assert.Nil(t, record.UsedAt)

	record, err = store.Redeem(context.Background(), "again", issuedAt.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, memberID, record.MemberID)

	_, err = store.Redeem(context.Background(), "again", issuedAt.Add(DefaultTTL+time.Minute))
	assert.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestRedeemUnknownToken(t *testing.T) {
	store, _ := newTestStore(t, &recordingNotifier{})

	_, err := store.Redeem(context.Background(), "nope", issuedAt)
	assert.ErrorIs(t, err, ErrInvalidResetToken)

	_, err = store.Redeem(context.Background(), "  ", issuedAt)
	assert.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestLinkEscapesToken(t *testing.T) {
	store, _ := newTestStore(t, &recordingNotifier{})

	link := store.link("a b&c")
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "a b&c", parsed.Query().Get("token"))
}
