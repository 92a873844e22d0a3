package commands

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luhack/gatekeeper/internal/email"
	"github.com/luhack/gatekeeper/internal/roster"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/token"
	"github.com/luhack/gatekeeper/internal/verify"
)

type stubRepo struct {
	mu    sync.Mutex
	users map[int64]verify.User
}

func (r *stubRepo) Get(_ context.Context, id int64) (*verify.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &user, nil
}

func (r *stubRepo) EmailOwner(_ context.Context, addr string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, user := range r.users {
		if user.Email == addr {
			return id, nil
		}
	}
	return 0, shared.ErrNotFound
}

func (r *stubRepo) Create(_ context.Context, user verify.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.DiscordID]; ok {
		return verify.ErrAlreadyRegistered
	}
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return verify.ErrEmailTaken
		}
	}
	r.users[user.DiscordID] = user
	return nil
}

func (r *stubRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}

func (r *stubRepo) List(_ context.Context) ([]verify.User, error) { return nil, nil }

func (r *stubRepo) TouchActivity(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		user.LastActivity = at
		user.FlaggedForRemoval = nil
		r.users[id] = user
	}
	return nil
}

func (r *stubRepo) SetFlag(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		user.FlaggedForRemoval = &at
		r.users[id] = user
	}
	return nil
}

func (r *stubRepo) ClearFlag(context.Context, int64) error { return nil }

func (r *stubRepo) SyncRoster(context.Context, int64, string, bool) error { return nil }

func (r *stubRepo) MarkAbsent(context.Context, int64, time.Time) (int, error) { return 1, nil }

func (r *stubRepo) ClearAbsent(context.Context, int64) error { return nil }

type stubGateway struct{}

func (stubGateway) Member(_ context.Context, id int64) (*roster.Member, error) {
	return &roster.Member{ID: id, Username: "jdoe"}, nil
}
func (stubGateway) Members(context.Context) ([]roster.Member, error)   { return nil, nil }
func (stubGateway) Grant(context.Context, int64, string) error         { return nil }
func (stubGateway) Revoke(context.Context, int64, string) error        { return nil }
func (stubGateway) DirectMessage(context.Context, int64, string) error { return nil }
func (stubGateway) Kick(context.Context, int64, string) error          { return nil }
func (stubGateway) AuditLog(context.Context, string) error             { return nil }

type stubMailer struct {
	tokens []string
}

func (m *stubMailer) SendVerification(_ context.Context, _, tok string) error {
	m.tokens = append(m.tokens, tok)
	return nil
}

func newVerifyTable(t *testing.T) (*Table, *stubRepo, *stubMailer) {
	t.Helper()
	repo := &stubRepo{users: map[int64]verify.User{}}
	mailer := &stubMailer{}
	gate := email.NewGate([]string{"@lancs.ac.uk", "@lancaster.ac.uk", "@live.lancs.ac.uk"})
	svc := verify.NewService(verify.ServiceConfig{
		Repo:    repo,
		Codec:   token.NewCodec("test-secret"),
		Gate:    gate,
		Mailer:  mailer,
		Gateway: stubGateway{},
		Roles:   roster.Roles{Verified: "v", Potential: "p", Prospective: "pr"},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	table := NewTable(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterVerification(table, svc, gate)
	return table, repo, mailer
}

func TestVerifyBeginThenComplete(t *testing.T) {
	table, repo, mailer := newVerifyTable(t)
	inv := Invocation{Ctx: context.Background(), InvokerID: 42}

	reply := table.Dispatch(inv, "verify begin", []string{"j.doe1@lancs.ac.uk"})
	assert.Contains(t, reply, "I've sent an email")
	require.Len(t, mailer.tokens, 1)

	reply = table.Dispatch(inv, "verify complete", []string{mailer.tokens[0]})
	assert.Contains(t, reply, "Permissions granted")

	user, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "j.doe1@lancs.ac.uk", user.Email)
}

func TestVerifyBeginSuggestsCorrection(t *testing.T) {
	table, _, mailer := newVerifyTable(t)
	inv := Invocation{Ctx: context.Background(), InvokerID: 42}

	reply := table.Dispatch(inv, "verify begin", []string{"doe1j@lancs.ac.uk"})
	assert.Contains(t, reply, "j.doe1@lancs.ac.uk")
	assert.Empty(t, mailer.tokens, "no token may be issued without confirmation")

	// explicit opt-out of the suggestion
	reply = table.Dispatch(inv, "verify begin", []string{"doe1j@lancs.ac.uk", "exact"})
	assert.Contains(t, reply, "I've sent an email to `doe1j@lancs.ac.uk`")
	assert.Len(t, mailer.tokens, 1)
}

func TestVerifyCompleteWrongInvoker(t *testing.T) {
	table, repo, mailer := newVerifyTable(t)

	table.Dispatch(Invocation{Ctx: context.Background(), InvokerID: 42}, "verify begin", []string{"j.doe1@lancs.ac.uk"})
	require.Len(t, mailer.tokens, 1)

	reply := table.Dispatch(Invocation{Ctx: context.Background(), InvokerID: 99}, "verify complete", []string{mailer.tokens[0]})
	assert.Contains(t, reply, "not the same person")
	assert.Empty(t, repo.users)
}

func TestVerifyAdminUserInfo(t *testing.T) {
	table, repo, _ := newVerifyTable(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.users[42] = verify.User{DiscordID: 42, Username: "jdoe", Email: "j.doe1@lancs.ac.uk", VerifiedAt: now, LastActivity: now}

	reply := table.Dispatch(Invocation{Ctx: context.Background(), InvokerID: 1, IsAdmin: true}, "verify_admin user_info", []string{"42"})
	assert.Contains(t, reply, "jdoe")
	assert.Contains(t, reply, "j.doe1@lancs.ac.uk")

	reply = table.Dispatch(Invocation{Ctx: context.Background(), InvokerID: 1, IsAdmin: true}, "verify_admin user_info", []string{"999"})
	assert.Contains(t, reply, "No info")
}

func TestVerifyAdminManualAndUnverify(t *testing.T) {
	table, repo, _ := newVerifyTable(t)
	admin := Invocation{Ctx: context.Background(), InvokerID: 1, IsAdmin: true}

	reply := table.Dispatch(admin, "verify_admin verify_manually", []string{"<@42>", "j.doe1@lancs.ac.uk"})
	assert.Contains(t, reply, "Manually verified")
	_, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)

	reply = table.Dispatch(admin, "verify_admin unverify", []string{"<@42>"})
	assert.Contains(t, reply, "Unverified")
	_, err = repo.Get(context.Background(), 42)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
