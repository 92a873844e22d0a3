// Package roster is the thin facade over the chat platform: live member
// lookup, role grants and revokes, direct messages and the audit channel.
package roster

import (
	"context"
	"time"
)

// Member is a snapshot of a live guild member.
type Member struct {
	ID       int64
	Username string
	RoleIDs  []string
	JoinedAt time.Time
	// IsAdmin reports whether the member holds a role with the
	// administrator permission.
	IsAdmin bool
}

// HasRole reports whether the member holds the given role.
func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the member holds any of the given roles.
func (m *Member) HasAnyRole(roleIDs []string) bool {
	for _, id := range roleIDs {
		if m.HasRole(id) {
			return true
		}
	}
	return false
}

// Roles names the role set managed by the verification flow.
type Roles struct {
	Verified    string
	Potential   string
	Prospective string
	// Trusted roles exempt a member from inactivity flagging.
	Trusted []string
}

// Gateway is the capability consumed by the verification service and the
// reconciler. Implementations must return shared.ErrNotFound from Member
// when the identity is absent from the live roster.
type Gateway interface {
	Member(ctx context.Context, id int64) (*Member, error)
	Members(ctx context.Context) ([]Member, error)
	Grant(ctx context.Context, id int64, roleID string) error
	Revoke(ctx context.Context, id int64, roleID string) error
	DirectMessage(ctx context.Context, id int64, text string) error
	Kick(ctx context.Context, id int64, reason string) error
	AuditLog(ctx context.Context, text string) error
}
