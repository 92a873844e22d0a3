package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luhack/gatekeeper/internal/roster"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/verify"
)

type memoryRepo struct {
	mu       sync.Mutex
	users    map[int64]verify.User
	absences map[int64]int
}

func newMemoryRepo(users ...verify.User) *memoryRepo {
	byID := map[int64]verify.User{}
	for _, u := range users {
		byID[u.DiscordID] = u
	}
	return &memoryRepo{users: byID, absences: map[int64]int{}}
}

func (r *memoryRepo) Get(_ context.Context, id int64) (*verify.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &user, nil
}

func (r *memoryRepo) EmailOwner(_ context.Context, _ string) (int64, error) {
	return 0, shared.ErrNotFound
}

func (r *memoryRepo) Create(_ context.Context, user verify.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.DiscordID]; ok {
		return verify.ErrAlreadyRegistered
	}
	r.users[user.DiscordID] = user
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	delete(r.absences, id)
	return nil
}

func (r *memoryRepo) List(_ context.Context) ([]verify.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]verify.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users, nil
}

func (r *memoryRepo) TouchActivity(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil
	}
	user.LastActivity = at
	user.FlaggedForRemoval = nil
	r.users[id] = user
	return nil
}

func (r *memoryRepo) SetFlag(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil
	}
	user.FlaggedForRemoval = &at
	r.users[id] = user
	return nil
}

func (r *memoryRepo) ClearFlag(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil
	}
	user.FlaggedForRemoval = nil
	r.users[id] = user
	return nil
}

func (r *memoryRepo) SyncRoster(_ context.Context, id int64, username string, isPrivileged bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil
	}
	user.Username = username
	user.IsPrivileged = isPrivileged
	r.users[id] = user
	return nil
}

func (r *memoryRepo) MarkAbsent(_ context.Context, id int64, _ time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.absences[id]++
	return r.absences[id], nil
}

func (r *memoryRepo) ClearAbsent(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.absences, id)
	return nil
}

type fakeGateway struct {
	mu      sync.Mutex
	members map[int64]roster.Member
	granted map[int64][]string
	revoked map[int64][]string
	dms     map[int64][]string
	kicked  []int64
	audits  []string
}

func newFakeGateway(members ...roster.Member) *fakeGateway {
	byID := map[int64]roster.Member{}
	for _, m := range members {
		byID[m.ID] = m
	}
	return &fakeGateway{
		members: byID,
		granted: map[int64][]string{},
		revoked: map[int64][]string{},
		dms:     map[int64][]string{},
	}
}

func (g *fakeGateway) Member(_ context.Context, id int64) (*roster.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &m, nil
}

func (g *fakeGateway) Members(_ context.Context) ([]roster.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := make([]roster.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	return members, nil
}

func (g *fakeGateway) Grant(_ context.Context, id int64, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[id] = append(g.granted[id], roleID)
	return nil
}

func (g *fakeGateway) Revoke(_ context.Context, id int64, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked[id] = append(g.revoked[id], roleID)
	return nil
}

func (g *fakeGateway) DirectMessage(_ context.Context, id int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dms[id] = append(g.dms[id], text)
	return nil
}

func (g *fakeGateway) Kick(_ context.Context, id int64, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kicked = append(g.kicked, id)
	delete(g.members, id)
	return nil
}

func (g *fakeGateway) AuditLog(_ context.Context, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audits = append(g.audits, text)
	return nil
}

var testRoles = roster.Roles{
	Verified:    "role-verified",
	Potential:   "role-potential",
	Prospective: "role-prospective",
	Trusted:     []string{"role-disciple"},
}

var sweepNow = time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

func newReconciler(repo verify.Repository, gw roster.Gateway) *Reconciler {
	return New(Config{
		Repo:                repo,
		Gateway:             gw,
		Roles:               testRoles,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		InactivityThreshold: 28 * 24 * time.Hour,
		GracePeriod:         7 * 24 * time.Hour,
	}).WithClock(func() time.Time { return sweepNow })
}

func TestRepairRolesGrantsMissingRoles(t *testing.T) {
	repo := newMemoryRepo(verify.User{DiscordID: 42, Username: "jdoe"})
	gw := newFakeGateway(
		// verified in db but carrying only the potential role
		roster.Member{ID: 42, RoleIDs: []string{testRoles.Potential}},
		// unknown member with no roles at all
		roster.Member{ID: 50},
		// correctly roled members need no api calls
		roster.Member{ID: 60, RoleIDs: []string{testRoles.Potential}},
	)
	// member 60 is unknown to the db and already holds potential

	rec := newReconciler(repo, gw)
	stats, err := rec.RepairRoles(context.Background())
	require.NoError(t, err)

	assert.Contains(t, gw.granted[42], testRoles.Verified)
	assert.Contains(t, gw.revoked[42], testRoles.Potential)
	assert.Contains(t, gw.granted[50], testRoles.Potential)
	assert.Empty(t, gw.granted[60])
	assert.Equal(t, 3, stats.Members)
	assert.Zero(t, stats.Skipped)
}

func TestSweepTwoStrikeAbsence(t *testing.T) {
	repo := newMemoryRepo(verify.User{DiscordID: 42, Username: "jdoe", LastActivity: sweepNow})
	gw := newFakeGateway()
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Departed)
	_, err = repo.Get(context.Background(), 42)
	require.NoError(t, err, "first absence observation must not delete")

	stats, err = rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Departed)
	_, err = repo.Get(context.Background(), 42)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSweepAbsenceMarkClearedWhenPresentAgain(t *testing.T) {
	repo := newMemoryRepo(verify.User{DiscordID: 42, Username: "jdoe", LastActivity: sweepNow})
	gw := newFakeGateway()
	rec := newReconciler(repo, gw)

	_, err := rec.Sweep(context.Background())
	require.NoError(t, err)

	// member shows up again: the strike resets
	gw.members[42] = roster.Member{ID: 42, Username: "jdoe"}
	_, err = rec.Sweep(context.Background())
	require.NoError(t, err)

	delete(gw.members, 42)
	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Departed)
	_, err = repo.Get(context.Background(), 42)
	require.NoError(t, err)
}

func TestSweepSyncsRosterCache(t *testing.T) {
	repo := newMemoryRepo(verify.User{DiscordID: 42, Username: "old-name", LastActivity: sweepNow})
	gw := newFakeGateway(roster.Member{ID: 42, Username: "new-name", RoleIDs: []string{"role-disciple"}})
	rec := newReconciler(repo, gw)

	_, err := rec.Sweep(context.Background())
	require.NoError(t, err)

	user, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "new-name", user.Username)
	assert.True(t, user.IsPrivileged)
}

func TestSweepFlagsSilentMembers(t *testing.T) {
	stale := sweepNow.Add(-29 * 24 * time.Hour)
	repo := newMemoryRepo(verify.User{DiscordID: 42, Username: "jdoe", LastActivity: stale})
	gw := newFakeGateway(roster.Member{ID: 42, Username: "jdoe"})
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Flagged)

	user, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, user.IsFlagged())
	assert.NotEmpty(t, gw.dms[42])
}

func TestSweepExemptRolesNeverFlagged(t *testing.T) {
	stale := sweepNow.Add(-400 * 24 * time.Hour)
	repo := newMemoryRepo(
		verify.User{DiscordID: 42, Username: "disciple", LastActivity: stale},
		verify.User{DiscordID: 43, Username: "admin", LastActivity: stale},
	)
	gw := newFakeGateway(
		roster.Member{ID: 42, RoleIDs: []string{"role-disciple"}},
		roster.Member{ID: 43, IsAdmin: true},
	)
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Flagged)

	for _, id := range []int64{42, 43} {
		user, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, user.IsFlagged(), "member %d", id)
	}
}

func TestSweepRemovesExpiredFlags(t *testing.T) {
	flaggedAt := sweepNow.Add(-8 * 24 * time.Hour)
	repo := newMemoryRepo(verify.User{
		DiscordID:         42,
		Username:          "jdoe",
		LastActivity:      flaggedAt,
		FlaggedForRemoval: &flaggedAt,
	})
	gw := newFakeGateway(roster.Member{ID: 42, Username: "jdoe", RoleIDs: []string{testRoles.Verified}})
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	_, err = repo.Get(context.Background(), 42)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Contains(t, gw.revoked[42], testRoles.Verified)
	assert.Contains(t, gw.kicked, int64(42))
	assert.NotEmpty(t, gw.audits)
}

func TestSweepRemovesExpiredFlagsForAbsentMembers(t *testing.T) {
	flaggedAt := sweepNow.Add(-8 * 24 * time.Hour)
	repo := newMemoryRepo(verify.User{
		DiscordID:         42,
		Username:          "jdoe",
		LastActivity:      flaggedAt,
		FlaggedForRemoval: &flaggedAt,
	})
	gw := newFakeGateway()
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	_, err = repo.Get(context.Background(), 42)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSweepFreshFlagSurvivesGracePeriod(t *testing.T) {
	flaggedAt := sweepNow.Add(-2 * 24 * time.Hour)
	repo := newMemoryRepo(verify.User{
		DiscordID:         42,
		Username:          "jdoe",
		LastActivity:      flaggedAt,
		FlaggedForRemoval: &flaggedAt,
	})
	gw := newFakeGateway(roster.Member{ID: 42, Username: "jdoe"})
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)
	_, err = repo.Get(context.Background(), 42)
	require.NoError(t, err)
}

func TestSweepKicksStalePotentialOnlyMembers(t *testing.T) {
	repo := newMemoryRepo()
	gw := newFakeGateway(
		roster.Member{ID: 50, RoleIDs: []string{testRoles.Potential}, JoinedAt: sweepNow.Add(-40 * 24 * time.Hour)},
		roster.Member{ID: 51, RoleIDs: []string{testRoles.Potential}, JoinedAt: sweepNow.Add(-2 * 24 * time.Hour)},
		roster.Member{ID: 52, RoleIDs: []string{testRoles.Potential, "role-other"}, JoinedAt: sweepNow.Add(-40 * 24 * time.Hour)},
	)
	rec := newReconciler(repo, gw)

	stats, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Kicked)
	assert.Contains(t, gw.kicked, int64(50))
	assert.NotContains(t, gw.kicked, int64(51))
	assert.NotContains(t, gw.kicked, int64(52))
}
