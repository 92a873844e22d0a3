// Package reconcile corrects drift between the persisted user table and the
// live guild roster. It runs as two recurring jobs: an hourly role repair
// and a daily drift and inactivity sweep. Every member is its own unit of
// work; a failure is logged with the member identity and the batch
// continues.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/luhack/gatekeeper/internal/roster"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/verify"
)

const absenceStrikeLimit = 2

// Config collects reconciler dependencies and thresholds.
type Config struct {
	Repo    verify.Repository
	Gateway roster.Gateway
	Roles   roster.Roles
	Audit   verify.Auditor
	Logger  *slog.Logger

	// InactivityThreshold is the silence duration after which a verified
	// member is flagged.
	InactivityThreshold time.Duration
	// GracePeriod is how long a flag may age before removal.
	GracePeriod time.Duration
}

// Reconciler walks persisted users against the live roster.
type Reconciler struct {
	cfg Config
	now func() time.Time
}

// New constructs a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = 28 * 24 * time.Hour
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	return &Reconciler{
		cfg: cfg,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the reconciler clock, for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// RepairStats summarises one role-repair pass.
type RepairStats struct {
	Members int
	Granted int
	Revoked int
	Skipped int
}

// RepairRoles recomputes the correct role set for every live member from
// persisted state and applies any missing grants.
func (r *Reconciler) RepairRoles(ctx context.Context) (RepairStats, error) {
	var stats RepairStats

	members, err := r.cfg.Gateway.Members(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: list roster: %w", err)
	}
	stats.Members = len(members)

	for i := range members {
		member := &members[i]
		if err := r.repairMember(ctx, member, &stats); err != nil {
			stats.Skipped++
			r.cfg.Logger.Warn("role repair skipped member",
				slog.Int64("discord_id", member.ID),
				slog.Any("error", err),
			)
		}
	}

	r.cfg.Logger.Info("completed role repair",
		slog.Int("members", stats.Members),
		slog.Int("granted", stats.Granted),
		slog.Int("revoked", stats.Revoked),
		slog.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (r *Reconciler) repairMember(ctx context.Context, member *roster.Member, stats *RepairStats) error {
	_, err := r.cfg.Repo.Get(ctx, member.ID)
	switch {
	case err == nil:
		if !member.HasRole(r.cfg.Roles.Verified) {
			if err := r.cfg.Gateway.Grant(ctx, member.ID, r.cfg.Roles.Verified); err != nil {
				return err
			}
			stats.Granted++
		}
		for _, roleID := range []string{r.cfg.Roles.Potential, r.cfg.Roles.Prospective} {
			if roleID == "" || !member.HasRole(roleID) {
				continue
			}
			if err := r.cfg.Gateway.Revoke(ctx, member.ID, roleID); err != nil {
				return err
			}
			stats.Revoked++
		}
	case errors.Is(err, shared.ErrNotFound):
		if member.HasRole(r.cfg.Roles.Potential) {
			return nil
		}
		if err := r.cfg.Gateway.Grant(ctx, member.ID, r.cfg.Roles.Potential); err != nil {
			return err
		}
		stats.Granted++
	default:
		return err
	}
	return nil
}

// SweepStats summarises one drift and inactivity sweep.
type SweepStats struct {
	Users    int
	Synced   int
	Flagged  int
	Removed  int
	Departed int
	Kicked   int
	Errors   int
}

// Sweep walks every persisted user, reconciling against the live roster and
// wall-clock inactivity. Rows are treated as snapshots; a verification
// completing mid-sweep may be included or missed in this cycle.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	users, err := r.cfg.Repo.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: list users: %w", err)
	}
	stats.Users = len(users)

	members, err := r.cfg.Gateway.Members(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: list roster: %w", err)
	}
	byID := make(map[int64]*roster.Member, len(members))
	for i := range members {
		byID[members[i].ID] = &members[i]
	}

	verified := make(map[int64]bool, len(users))
	for i := range users {
		user := &users[i]
		verified[user.DiscordID] = true
		if err := r.sweepUser(ctx, user, byID[user.DiscordID], &stats); err != nil {
			stats.Errors++
			r.cfg.Logger.Warn("sweep skipped member",
				slog.Int64("discord_id", user.DiscordID),
				slog.Any("error", err),
			)
		}
	}

	r.kickStalePotentials(ctx, members, verified, &stats)

	r.cfg.Logger.Info("completed membership sweep",
		slog.Int("users", stats.Users),
		slog.Int("synced", stats.Synced),
		slog.Int("flagged", stats.Flagged),
		slog.Int("removed", stats.Removed),
		slog.Int("departed", stats.Departed),
		slog.Int("kicked", stats.Kicked),
		slog.Int("errors", stats.Errors),
	)
	return stats, nil
}

func (r *Reconciler) sweepUser(ctx context.Context, user *verify.User, member *roster.Member, stats *SweepStats) error {
	now := r.now()

	if user.IsFlagged() && now.Sub(*user.FlaggedForRemoval) > r.cfg.GracePeriod {
		if err := r.removeUser(ctx, user, member); err != nil {
			return err
		}
		stats.Removed++
		return nil
	}

	if member == nil {
		strikes, err := r.cfg.Repo.MarkAbsent(ctx, user.DiscordID, now)
		if err != nil {
			return err
		}
		// Two consecutive daily observations of absence before the
		// record goes; one bad roster fetch must not delete anyone.
		if strikes < absenceStrikeLimit {
			return nil
		}
		if err := r.cfg.Repo.Delete(ctx, user.DiscordID); err != nil {
			return err
		}
		stats.Departed++
		r.auditf(ctx, user.DiscordID, "depart", "removed departed member %s (%d)", user.Username, user.DiscordID)
		return nil
	}

	if err := r.cfg.Repo.ClearAbsent(ctx, user.DiscordID); err != nil {
		return err
	}
	privileged := member.IsAdmin || member.HasAnyRole(r.cfg.Roles.Trusted)
	if err := r.cfg.Repo.SyncRoster(ctx, user.DiscordID, member.Username, privileged); err != nil {
		return err
	}
	stats.Synced++

	if user.IsFlagged() || privileged {
		return nil
	}
	if now.Sub(user.LastActivity) <= r.cfg.InactivityThreshold {
		return nil
	}

	if err := r.cfg.Repo.SetFlag(ctx, user.DiscordID, now); err != nil {
		return err
	}
	stats.Flagged++
	if err := r.cfg.Gateway.DirectMessage(ctx, user.DiscordID, verify.InactivityWarning); err != nil {
		r.cfg.Logger.Warn("inactivity warning dm failed",
			slog.Int64("discord_id", user.DiscordID),
			slog.Any("error", err),
		)
	}
	r.auditf(ctx, user.DiscordID, "flag", "flagged inactive member %s (%d)", member.Username, user.DiscordID)
	return nil
}

// removeUser deletes a user whose flag outlived the grace period. The DM and
// kick only apply when the member is still present; the role revoke is
// attempted regardless and logged on failure.
func (r *Reconciler) removeUser(ctx context.Context, user *verify.User, member *roster.Member) error {
	if member != nil {
		if err := r.cfg.Gateway.DirectMessage(ctx, user.DiscordID, "Hey, you've been inactive on LUHack for a long time so we've removed you from the guild and unverified you. Feel free to join back and re-verify."); err != nil {
			r.cfg.Logger.Warn("removal dm failed",
				slog.Int64("discord_id", user.DiscordID),
				slog.Any("error", err),
			)
		}
	}

	if err := r.cfg.Repo.Delete(ctx, user.DiscordID); err != nil {
		return err
	}

	if err := r.cfg.Gateway.Revoke(ctx, user.DiscordID, r.cfg.Roles.Verified); err != nil {
		r.cfg.Logger.Warn("removal role revoke failed",
			slog.Int64("discord_id", user.DiscordID),
			slog.Any("error", err),
		)
	}
	if member != nil {
		if err := r.cfg.Gateway.Kick(ctx, user.DiscordID, "Removed for being inactive."); err != nil {
			r.cfg.Logger.Warn("removal kick failed",
				slog.Int64("discord_id", user.DiscordID),
				slog.Any("error", err),
			)
		}
	}

	r.auditf(ctx, user.DiscordID, "remove", "removed member %s (%d) flagged for more than the grace period", user.Username, user.DiscordID)
	return nil
}

// kickStalePotentials removes members who never progressed past the
// potential role and joined longer ago than the inactivity threshold.
func (r *Reconciler) kickStalePotentials(ctx context.Context, members []roster.Member, verified map[int64]bool, stats *SweepStats) {
	now := r.now()
	for i := range members {
		member := &members[i]
		if verified[member.ID] {
			continue
		}
		if !potentialOnly(member, r.cfg.Roles) {
			continue
		}
		if member.JoinedAt.IsZero() || now.Sub(member.JoinedAt) <= r.cfg.InactivityThreshold {
			continue
		}
		if err := r.cfg.Gateway.Kick(ctx, member.ID, "Inactive potential-only user."); err != nil {
			stats.Errors++
			r.cfg.Logger.Warn("stale potential kick failed",
				slog.Int64("discord_id", member.ID),
				slog.Any("error", err),
			)
			continue
		}
		stats.Kicked++
		r.auditf(ctx, member.ID, "kick_potential", "kicked inactive potential-only member %s (%d)", member.Username, member.ID)
	}
}

// potentialOnly reports whether the member holds no roles beyond the
// potential role.
func potentialOnly(member *roster.Member, roles roster.Roles) bool {
	for _, roleID := range member.RoleIDs {
		if roleID != roles.Potential {
			return false
		}
	}
	return true
}

func (r *Reconciler) auditf(ctx context.Context, identity int64, action, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if err := r.cfg.Gateway.AuditLog(ctx, text); err != nil {
		r.cfg.Logger.Warn("audit channel message failed", slog.Any("error", err))
	}
	if r.cfg.Audit == nil {
		return
	}
	if err := r.cfg.Audit.Record(ctx, shared.AuditLog{
		ActorID:  identity,
		Action:   action,
		Entity:   "verified_user",
		EntityID: fmt.Sprintf("%d", identity),
		Meta:     map[string]any{"detail": text},
		At:       r.now(),
	}); err != nil {
		r.cfg.Logger.Warn("audit record failed", slog.Any("error", err))
	}
}
