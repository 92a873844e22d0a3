package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/luhack/gatekeeper/internal/roster"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/token"
)

// Mailer dispatches verification tokens by email.
type Mailer interface {
	SendVerification(ctx context.Context, to, tok string) error
}

// EmailGate validates institutional addresses.
type EmailGate interface {
	Check(addr string) error
}

// Auditor records protocol events durably.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the verification state machine. All state transitions are
// guarded by the repository's uniqueness constraints, so interleaved calls
// for the same identity cannot produce duplicate records.
type Service struct {
	repo   Repository
	codec  *token.Codec
	gate   EmailGate
	mailer Mailer
	gw     roster.Gateway
	roles  roster.Roles
	audit  Auditor
	logger *slog.Logger

	tokenMaxAge time.Duration
	now         func() time.Time
}

// ServiceConfig collects the capabilities the state machine acts through.
type ServiceConfig struct {
	Repo        Repository
	Codec       *token.Codec
	Gate        EmailGate
	Mailer      Mailer
	Gateway     roster.Gateway
	Roles       roster.Roles
	Audit       Auditor
	Logger      *slog.Logger
	TokenMaxAge time.Duration
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = token.VerificationMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:        cfg.Repo,
		codec:       cfg.Codec,
		gate:        cfg.Gate,
		mailer:      cfg.Mailer,
		gw:          cfg.Gateway,
		roles:       cfg.Roles,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		tokenMaxAge: cfg.TokenMaxAge,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BeginVerify validates the email, mints a token and dispatches it. The
// token is only reported as issued when the email leaves successfully.
// While nothing is persisted, competing claims on one email are
// last-claim-wins: the unique constraint binds at completion time.
func (s *Service) BeginVerify(ctx context.Context, identity int64, addr string) error {
	if err := s.gate.Check(addr); err != nil {
		return err
	}

	existing, err := s.repo.Get(ctx, identity)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if existing != nil && !existing.IsFlagged() {
		return ErrAlreadyRegistered
	}

	owner, err := s.repo.EmailOwner(ctx, addr)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if err == nil && owner != identity {
		return ErrEmailTaken
	}

	tok, err := s.codec.Issue(identity, addr)
	if err != nil {
		return fmt.Errorf("verify: issue token: %w", err)
	}

	if err := s.mailer.SendVerification(ctx, addr, tok); err != nil {
		s.logger.Error("verification email dispatch failed",
			slog.Int64("discord_id", identity),
			slog.Any("error", err),
		)
		return err
	}

	s.logger.Info("issued verification token", slog.Int64("discord_id", identity))
	return nil
}

// CompleteVerify redeems a token. Flagged members take the re-verification
// path: the flag is cleared and no duplicate record is created.
func (s *Service) CompleteVerify(ctx context.Context, identity int64, tok string) error {
	memberID, addr, err := s.codec.Decode(tok, s.tokenMaxAge)
	if err != nil {
		return err
	}
	if memberID != identity {
		return ErrIdentityMismatch
	}

	existing, err := s.repo.Get(ctx, identity)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if existing != nil {
		if !existing.IsFlagged() {
			return ErrAlreadyRegistered
		}
		if err := s.repo.TouchActivity(ctx, identity, s.now()); err != nil {
			return err
		}
		s.recordAudit(ctx, identity, "reverify", map[string]any{"username": existing.Username})
		s.logger.Info("flagged member re-verified", slog.Int64("discord_id", identity))
		return nil
	}

	username := ""
	if member, err := s.gw.Member(ctx, identity); err == nil {
		username = member.Username
	} else if !errors.Is(err, shared.ErrNotFound) {
		s.logger.Warn("roster lookup failed during verification",
			slog.Int64("discord_id", identity),
			slog.Any("error", err),
		)
	}

	now := s.now()
	if err := s.repo.Create(ctx, User{
		DiscordID:    identity,
		Username:     username,
		Email:        addr,
		VerifiedAt:   now,
		LastActivity: now,
	}); err != nil {
		return err
	}

	s.applyVerifiedRoles(ctx, identity)
	s.recordAudit(ctx, identity, "verify", map[string]any{"username": username})
	s.logger.Info("verified member", slog.Int64("discord_id", identity), slog.String("username", username))
	return nil
}

// ManualGrant is the admin bypass: same terminal effect as CompleteVerify
// without requiring a token.
func (s *Service) ManualGrant(ctx context.Context, actor, identity int64, addr string) error {
	username := ""
	if member, err := s.gw.Member(ctx, identity); err == nil {
		username = member.Username
	}

	now := s.now()
	if err := s.repo.Create(ctx, User{
		DiscordID:    identity,
		Username:     username,
		Email:        addr,
		VerifiedAt:   now,
		LastActivity: now,
	}); err != nil {
		return err
	}

	s.applyVerifiedRoles(ctx, identity)
	if err := s.gw.DirectMessage(ctx, identity, "Permissions granted, you can now access all of the discord channels."); err != nil {
		s.logger.Warn("manual grant dm failed", slog.Int64("discord_id", identity), slog.Any("error", err))
	}
	s.recordAudit(ctx, actor, "manual_grant", map[string]any{"member": identity, "username": username})
	s.logger.Info("manually verified member", slog.Int64("discord_id", identity), slog.Int64("actor", actor))
	return nil
}

// Unverify deletes a record and restores the potential role.
func (s *Service) Unverify(ctx context.Context, actor, identity int64) error {
	if _, err := s.repo.Get(ctx, identity); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, identity); err != nil {
		return err
	}
	if _, err := s.gw.Member(ctx, identity); err == nil {
		s.swapRoles(ctx, identity, []string{s.roles.Potential}, []string{s.roles.Verified})
	}
	s.recordAudit(ctx, actor, "unverify", map[string]any{"member": identity})
	return nil
}

// FlagInactive manually puts a member into the removal grace period.
func (s *Service) FlagInactive(ctx context.Context, actor, identity int64) error {
	if _, err := s.repo.Get(ctx, identity); err != nil {
		return err
	}
	if err := s.repo.SetFlag(ctx, identity, s.now()); err != nil {
		return err
	}
	if err := s.gw.DirectMessage(ctx, identity, InactivityWarning); err != nil {
		s.logger.Warn("inactivity warning dm failed", slog.Int64("discord_id", identity), slog.Any("error", err))
	}
	s.recordAudit(ctx, actor, "flag_inactive", map[string]any{"member": identity})
	return nil
}

// UserInfo is a read-only record lookup.
func (s *Service) UserInfo(ctx context.Context, identity int64) (*User, error) {
	return s.repo.Get(ctx, identity)
}

// TouchActivity records observed activity. Unknown members are expected and
// not an error.
func (s *Service) TouchActivity(ctx context.Context, identity int64) error {
	return s.repo.TouchActivity(ctx, identity, s.now())
}

// ApplyJoinRoles applies the correct role set to a member who just joined:
// the verified role when a record exists, otherwise the potential role.
func (s *Service) ApplyJoinRoles(ctx context.Context, identity int64) error {
	_, err := s.repo.Get(ctx, identity)
	switch {
	case err == nil:
		s.applyVerifiedRoles(ctx, identity)
	case errors.Is(err, shared.ErrNotFound):
		s.swapRoles(ctx, identity, []string{s.roles.Potential}, nil)
	default:
		return err
	}
	return nil
}

// InactivityWarning is the text sent to members entering the grace period.
const InactivityWarning = "Hey, you've been inactive on LUHack for a while. To remain in the server you'll need to re-verify with /verify begin, or you will be removed in a week."

func (s *Service) applyVerifiedRoles(ctx context.Context, identity int64) {
	s.swapRoles(ctx, identity,
		[]string{s.roles.Verified},
		[]string{s.roles.Potential, s.roles.Prospective},
	)
}

// swapRoles grants and revokes role sets, logging per-role failures. A
// member absent from the roster cannot be roled; the reconciler repairs
// that on its next pass.
func (s *Service) swapRoles(ctx context.Context, identity int64, grant, revoke []string) {
	for _, roleID := range grant {
		if roleID == "" {
			continue
		}
		if err := s.gw.Grant(ctx, identity, roleID); err != nil {
			s.logger.Warn("role grant failed",
				slog.Int64("discord_id", identity),
				slog.String("role", roleID),
				slog.Any("error", err),
			)
		}
	}
	for _, roleID := range revoke {
		if roleID == "" {
			continue
		}
		if err := s.gw.Revoke(ctx, identity, roleID); err != nil {
			s.logger.Warn("role revoke failed",
				slog.Int64("discord_id", identity),
				slog.String("role", roleID),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, actor int64, action string, meta map[string]any) {
	if err := s.gw.AuditLog(ctx, fmt.Sprintf("%s: member %d", action, actor)); err != nil {
		s.logger.Warn("audit channel message failed", slog.Any("error", err))
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "verified_user",
		EntityID: fmt.Sprintf("%d", actor),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
