package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"member-auth/internal/observability"
	"member-auth/internal/reset"
	"member-auth/internal/token"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "Correct-horse1"
)

var baseTime = time.Date(2026, 4, 12, 14, 0, 0, 0, time.UTC)

// memoryMembers is a MemberStore with the same compare-and-swap contract as
// the Postgres repository. Each entry in interfere is applied to the stored
// member just before the next Save, as if another request had written first.
type memoryMembers struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]Member
	interfere []func(*Member)
	saves     int
}

func newMemoryMembers() *memoryMembers {
	return &memoryMembers{byID: make(map[uuid.UUID]Member)}
}

func (s *memoryMembers) FindByEmail(_ context.Context, email string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.Email == email {
			copied := m
			return &copied, nil
		}
	}
	return nil, ErrUnknownIdentity
}

func (s *memoryMembers) FindByID(_ context.Context, id uuid.UUID) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	copied := m
	return &copied, nil
}

func (s *memoryMembers) Save(_ context.Context, member *Member) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++

	stored, ok := s.byID[member.ID]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	if len(s.interfere) > 0 {
		apply := s.interfere[0]
		s.interfere = s.interfere[1:]
		apply(&stored)
		stored.Version++
		s.byID[member.ID] = stored
	}
	if stored.Version != member.Version {
		return nil, ErrStaleMember
	}

	saved := *member
	saved.Version++
	s.byID[member.ID] = saved
	copied := saved
	return &copied, nil
}

func (s *memoryMembers) Create(_ context.Context, member *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.Email == member.Email {
			return ErrEmailTaken
		}
	}
	s.byID[member.ID] = *member
	return nil
}

func (s *memoryMembers) get(t *testing.T, email string) Member {
	t.Helper()
	m, err := s.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return *m
}

func (s *memoryMembers) put(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = m
}

type memoryResets struct {
	mu     sync.Mutex
	byHash map[string]reset.PasswordResetToken
}

func newMemoryResets() *memoryResets {
	return &memoryResets{byHash: make(map[string]reset.PasswordResetToken)}
}

func (r *memoryResets) Create(_ context.Context, t *reset.PasswordResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[t.TokenHash] = *t
	return nil
}

func (r *memoryResets) GetByTokenHash(_ context.Context, tokenHash string) (*reset.PasswordResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[tokenHash]
	if !ok {
		return nil, reset.ErrNotFound
	}
	return &t, nil
}

func (r *memoryResets) MarkUsed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, t := range r.byHash {
		if t.ID != id {
			continue
		}
		if t.UsedAt != nil {
			return false, nil
		}
		used := at
		t.UsedAt = &used
		r.byHash[hash] = t
		return true, nil
	}
	return false, nil
}

func (r *memoryResets) Release(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, t := range r.byHash {
		if t.ID == id {
			t.UsedAt = nil
			r.byHash[hash] = t
		}
	}
	return nil
}

func (r *memoryResets) DeleteStale(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type memoryHistory struct {
	mu     sync.Mutex
	events []LoginEvent
	err    error
}

func (h *memoryHistory) Record(_ context.Context, event LoginEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, event)
	return nil
}

func (h *memoryHistory) Recent(_ context.Context, memberID uuid.UUID, limit int) ([]LoginEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []LoginEvent
	for i := len(h.events) - 1; i >= 0 && len(out) < limit; i-- {
		if h.events[i].MemberID == memberID {
			out = append(out, h.events[i])
		}
	}
	return out, nil
}

func (h *memoryHistory) all() []LoginEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LoginEvent(nil), h.events...)
}

type sentMessage struct {
	address, subject, body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, address, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{address, subject, body})
	return nil
}

func (n *recordingNotifier) subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.subject)
	}
	return out
}

type recordingObserver struct {
	mu     sync.Mutex
	logins []string
	resets []string
}

func (o *recordingObserver) ObserveLogin(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logins = append(o.logins, outcome)
}

func (o *recordingObserver) ObserveResetRequest(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets = append(o.resets, outcome)
}

// countingVerifier records how often a password comparison actually ran.
type countingVerifier struct {
	CredentialVerifier
	mu      sync.Mutex
	matches int
}

func (v *countingVerifier) Matches(plaintext, hash string) bool {
	v.mu.Lock()
	v.matches++
	v.mu.Unlock()
	return v.CredentialVerifier.Matches(plaintext, hash)
}

func (v *countingVerifier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.matches
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	svc      *Service
	members  *memoryMembers
	resets   *memoryResets
	history  *memoryHistory
	notifier *recordingNotifier
	observer *recordingObserver
	verifier *countingVerifier
	codec    *token.Codec
	clock    *testClock
	resetTok string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		members:  newMemoryMembers(),
		resets:   newMemoryResets(),
		history:  &memoryHistory{},
		notifier: &recordingNotifier{},
		observer: &recordingObserver{},
		verifier: &countingVerifier{CredentialVerifier: NewBcryptVerifier(bcrypt.MinCost)},
		clock:    &testClock{now: baseTime},
		resetTok: "reset-token-1",
	}

	codec, err := token.NewCodec(token.Config{Secret: "k"})
	require.NoError(t, err)
	env.codec = codec

	resets, err := reset.NewStore(env.resets, env.notifier, reset.Config{ResetURL: "https://members.example.com/reset"})
	require.NoError(t, err)

	svc, err := NewService(Dependencies{
		Members:  env.members,
		Codec:    codec,
		Lockout:  NewLockoutTracker(LockoutPolicy{MaxAttempts: 5, LockDuration: time.Hour}),
		Verifier: env.verifier,
		Resets:   resets,
		Notifier: env.notifier,
		Logger:   observability.NewLoggerTo(io.Discard, slog.LevelDebug),
		History:  env.history,
	},
		WithClock(env.clock.Now),
		WithObserver(env.observer),
		WithResetTokenGenerator(func() (string, error) { return env.resetTok, nil }),
	)
	require.NoError(t, err)
	env.svc = svc

	require.NoError(t, svc.BootstrapMember(context.Background(), testEmail, testPassword))
	return env
}

func (e *testEnv) login(password string) (Tokens, error) {
	return e.svc.Login(context.Background(), LoginRequest{Login: testEmail, Password: password})
}
