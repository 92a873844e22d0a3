// Package verify implements the verification state machine: the protocol
// driving a member from unknown, through token issuance, to verified, and
// eventually through the inactivity flag to removal.
package verify

import (
	"errors"
	"time"
)

// User is a verified member record. Its existence is the sole source of
// truth for "is verified".
type User struct {
	DiscordID    int64
	Username     string
	Email        string
	VerifiedAt   time.Time
	LastActivity time.Time
	// FlaggedForRemoval marks the grace-period sub-state of an inactive
	// member; nil means not flagged.
	FlaggedForRemoval *time.Time
	IsPrivileged      bool
}

// IsFlagged reports whether the user is in the removal grace period.
func (u *User) IsFlagged() bool {
	return u != nil && u.FlaggedForRemoval != nil
}

var (
	// ErrAlreadyRegistered indicates the identity already owns a live,
	// unflagged record.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrEmailTaken indicates the email is owned by a different identity.
	ErrEmailTaken = errors.New("email already claimed by another member")
	// ErrIdentityMismatch indicates a token submitted by someone other
	// than its requester.
	ErrIdentityMismatch = errors.New("token was issued to a different member")
)
