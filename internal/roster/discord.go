package roster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/luhack/gatekeeper/internal/shared"
)

const membersPageSize = 1000

// Discord implements Gateway against the Discord REST API.
type Discord struct {
	session      *discordgo.Session
	guildID      string
	logChannelID string
}

// NewDiscord constructs a Discord gateway for one guild.
func NewDiscord(session *discordgo.Session, guildID, logChannelID string) *Discord {
	return &Discord{session: session, guildID: guildID, logChannelID: logChannelID}
}

// Member fetches a live member by identity.
func (d *Discord) Member(ctx context.Context, id int64) (*Member, error) {
	m, err := d.session.GuildMember(d.guildID, formatID(id), discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("roster: fetch member %d: %w", id, err)
	}
	adminRoles, err := d.adminRoles(ctx)
	if err != nil {
		return nil, err
	}
	member := convertMember(m, adminRoles)
	return &member, nil
}

// Members walks the full guild roster.
func (d *Discord) Members(ctx context.Context) ([]Member, error) {
	adminRoles, err := d.adminRoles(ctx)
	if err != nil {
		return nil, err
	}
	var (
		members []Member
		after   string
	)
	for {
		page, err := d.session.GuildMembers(d.guildID, after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("roster: list members: %w", err)
		}
		for _, m := range page {
			members = append(members, convertMember(m, adminRoles))
		}
		if len(page) < membersPageSize {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// Grant adds a role to a member. Granting an already-held role is a no-op
// on the Discord side.
func (d *Discord) Grant(ctx context.Context, id int64, roleID string) error {
	if roleID == "" {
		return nil
	}
	if err := d.session.GuildMemberRoleAdd(d.guildID, formatID(id), roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("roster: grant role %s to %d: %w", roleID, id, err)
	}
	return nil
}

// Revoke removes a role from a member.
func (d *Discord) Revoke(ctx context.Context, id int64, roleID string) error {
	if roleID == "" {
		return nil
	}
	if err := d.session.GuildMemberRoleRemove(d.guildID, formatID(id), roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("roster: revoke role %s from %d: %w", roleID, id, err)
	}
	return nil
}

// DirectMessage opens a DM channel and sends text. Recipients may block
// DMs; the error is returned for the caller to log.
func (d *Discord) DirectMessage(ctx context.Context, id int64, text string) error {
	ch, err := d.session.UserChannelCreate(formatID(id), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("roster: open dm channel for %d: %w", id, err)
	}
	if _, err := d.session.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("roster: dm %d: %w", id, err)
	}
	return nil
}

// Kick removes a member from the guild.
func (d *Discord) Kick(ctx context.Context, id int64, reason string) error {
	if err := d.session.GuildMemberDeleteWithReason(d.guildID, formatID(id), reason, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("roster: kick %d: %w", id, err)
	}
	return nil
}

// AuditLog posts to the bot log channel.
func (d *Discord) AuditLog(ctx context.Context, text string) error {
	if d.logChannelID == "" {
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.logChannelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("roster: audit log: %w", err)
	}
	return nil
}

// adminRoles returns the set of role ids carrying the administrator
// permission.
func (d *Discord) adminRoles(ctx context.Context) (map[string]bool, error) {
	roles, err := d.session.GuildRoles(d.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("roster: fetch guild roles: %w", err)
	}
	admin := make(map[string]bool, len(roles))
	for _, r := range roles {
		if r.Permissions&discordgo.PermissionAdministrator != 0 {
			admin[r.ID] = true
		}
	}
	return admin, nil
}

func convertMember(m *discordgo.Member, adminRoles map[string]bool) Member {
	id, _ := strconv.ParseInt(m.User.ID, 10, 64)
	isAdmin := false
	for _, roleID := range m.Roles {
		if adminRoles[roleID] {
			isAdmin = true
			break
		}
	}
	return Member{
		ID:       id,
		Username: m.User.Username,
		RoleIDs:  append([]string(nil), m.Roles...),
		JoinedAt: m.JoinedAt,
		IsAdmin:  isAdmin,
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
