package verify

import (
	"context"
	"time"
)

// Repository is the persistence capability behind the state machine and the
// reconciler. Creation must be guarded by uniqueness constraints at the
// storage layer, never by in-process check-then-act.
type Repository interface {
	// Get returns the record for an identity, shared.ErrNotFound when
	// none exists.
	Get(ctx context.Context, discordID int64) (*User, error)
	// EmailOwner returns the identity owning an email address,
	// shared.ErrNotFound when unclaimed.
	EmailOwner(ctx context.Context, email string) (int64, error)
	// Create inserts a record. Returns ErrAlreadyRegistered when the
	// identity already has a row, ErrEmailTaken when the email does.
	Create(ctx context.Context, user User) error
	Delete(ctx context.Context, discordID int64) error
	List(ctx context.Context) ([]User, error)

	// TouchActivity records observed activity and clears any removal
	// flag; a no-op for unknown identities.
	TouchActivity(ctx context.Context, discordID int64, at time.Time) error
	SetFlag(ctx context.Context, discordID int64, at time.Time) error
	ClearFlag(ctx context.Context, discordID int64) error
	// SyncRoster refreshes the denormalized username and privilege cache.
	SyncRoster(ctx context.Context, discordID int64, username string, isPrivileged bool) error

	// MarkAbsent records a roster-absence observation and returns the
	// consecutive strike count.
	MarkAbsent(ctx context.Context, discordID int64, at time.Time) (int, error)
	// ClearAbsent drops the absence mark for an identity.
	ClearAbsent(ctx context.Context, discordID int64) error
}
