// Package bot binds the gateway event stream onto the command table and the
// verification service: slash commands dispatch through the table, ordinary
// messages refresh activity, and joins receive the entry role.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/luhack/gatekeeper/internal/commands"
	"github.com/luhack/gatekeeper/internal/verify"
)

// eventTimeout bounds the work done for a single gateway event.
const eventTimeout = 30 * time.Second

// Config wires a Bot.
type Config struct {
	Session *discordgo.Session
	Table   *commands.Table
	Service *verify.Service
	GuildID string
	Logger  *slog.Logger
}

// Bot owns the gateway session for the lifetime of the process.
type Bot struct {
	cfg     Config
	logger  *slog.Logger
	baseCtx context.Context

	registered []*discordgo.ApplicationCommand
}

// New constructs a Bot and sets the gateway intents the handlers need.
func New(cfg Config) *Bot {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers
	return &Bot{cfg: cfg, logger: cfg.Logger}
}

// Run opens the session, registers the slash commands, and blocks until the
// context is cancelled. Registered commands are removed on the way out so a
// renamed command doesn't linger across deploys.
func (b *Bot) Run(ctx context.Context) error {
	b.baseCtx = ctx

	b.cfg.Session.AddHandler(b.onInteraction)
	b.cfg.Session.AddHandler(b.onMessage)
	b.cfg.Session.AddHandler(b.onMemberAdd)

	if err := b.cfg.Session.Open(); err != nil {
		return fmt.Errorf("bot: open gateway: %w", err)
	}
	defer func() {
		if err := b.cfg.Session.Close(); err != nil {
			b.logger.Warn("gateway close failed", slog.Any("error", err))
		}
	}()

	if err := b.registerCommands(); err != nil {
		return err
	}
	defer b.unregisterCommands()

	b.logger.Info("bot connected", slog.String("guild_id", b.cfg.GuildID))
	<-ctx.Done()
	return nil
}

// registerCommands publishes the table as guild slash commands, grouping
// "group sub" names into subcommands under one top-level command.
func (b *Bot) registerCommands() error {
	appID := b.cfg.Session.State.User.ID

	for _, group := range groupCommands(b.cfg.Table.Commands()) {
		created, err := b.cfg.Session.ApplicationCommandCreate(appID, b.cfg.GuildID, group)
		if err != nil {
			return fmt.Errorf("bot: register command %q: %w", group.Name, err)
		}
		b.registered = append(b.registered, created)
	}
	return nil
}

func (b *Bot) unregisterCommands() {
	appID := b.cfg.Session.State.User.ID
	for _, cmd := range b.registered {
		if err := b.cfg.Session.ApplicationCommandDelete(appID, b.cfg.GuildID, cmd.ID); err != nil {
			b.logger.Warn("command cleanup failed",
				slog.String("command", cmd.Name),
				slog.Any("error", err),
			)
		}
	}
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.Member == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.baseCtx, eventTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	name, opts := commandPath(data)

	invokerID, err := strconv.ParseInt(i.Member.User.ID, 10, 64)
	if err != nil {
		b.logger.Error("unparseable invoker id", slog.String("id", i.Member.User.ID))
		return
	}
	inv := commands.Invocation{
		Ctx:       ctx,
		InvokerID: invokerID,
		IsAdmin:   i.Member.Permissions&discordgo.PermissionAdministrator != 0,
	}

	reply := b.cfg.Table.Dispatch(inv, name, rawArgs(b.cfg.Table, name, opts))

	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.logger.Error("interaction response failed",
			slog.String("command", name),
			slog.Any("error", err),
		)
	}
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID != b.cfg.GuildID {
		return
	}
	identity, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.baseCtx, eventTimeout)
	defer cancel()
	if err := b.cfg.Service.TouchActivity(ctx, identity); err != nil {
		b.logger.Warn("activity update failed",
			slog.Int64("discord_id", identity),
			slog.Any("error", err),
		)
	}
}

func (b *Bot) onMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.GuildID != b.cfg.GuildID || m.User == nil || m.User.Bot {
		return
	}
	identity, err := strconv.ParseInt(m.User.ID, 10, 64)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.baseCtx, eventTimeout)
	defer cancel()
	if err := b.cfg.Service.ApplyJoinRoles(ctx, identity); err != nil {
		b.logger.Warn("join role grant failed",
			slog.Int64("discord_id", identity),
			slog.Any("error", err),
		)
	}
}

// commandPath flattens a slash command invocation into the table's "group
// sub" naming and returns the option list holding the actual arguments.
func commandPath(data discordgo.ApplicationCommandInteractionData) (string, []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(data.Options) == 1 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + " " + data.Options[0].Name, data.Options[0].Options
	}
	return data.Name, data.Options
}

// rawArgs projects named interaction options onto the command's positional
// parameter order.
func rawArgs(table *commands.Table, name string, opts []*discordgo.ApplicationCommandInteractionDataOption) []string {
	byName := make(map[string]string, len(opts))
	for _, opt := range opts {
		switch v := opt.Value.(type) {
		case string:
			byName[opt.Name] = v
		default:
			byName[opt.Name] = fmt.Sprint(v)
		}
	}

	for _, cmd := range table.Commands() {
		if cmd.Name != name {
			continue
		}
		raw := make([]string, len(cmd.Params))
		for i, p := range cmd.Params {
			raw[i] = byName[p.Name]
		}
		// trailing optionals the caller omitted must not count as
		// supplied arguments
		for len(raw) > 0 && raw[len(raw)-1] == "" {
			raw = raw[:len(raw)-1]
		}
		return raw
	}
	return nil
}

// groupCommands turns table entries into guild application commands. Names
// with a space become subcommands of a shared top-level command; admin-only
// groups default to the administrator permission so they stay hidden from
// regular members.
func groupCommands(cmds []commands.Command) []*discordgo.ApplicationCommand {
	var out []*discordgo.ApplicationCommand
	index := map[string]*discordgo.ApplicationCommand{}

	for _, cmd := range cmds {
		group, sub := splitName(cmd.Name)
		if sub == "" {
			out = append(out, &discordgo.ApplicationCommand{
				Name:        group,
				Description: cmd.Description,
				Options:     paramOptions(cmd.Params),
			})
			continue
		}

		top, ok := index[group]
		if !ok {
			top = &discordgo.ApplicationCommand{
				Name:        group,
				Description: group + " commands",
			}
			if cmd.Admin {
				perms := int64(discordgo.PermissionAdministrator)
				top.DefaultMemberPermissions = &perms
			}
			index[group] = top
			out = append(out, top)
		}
		top.Options = append(top.Options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        sub,
			Description: cmd.Description,
			Options:     paramOptions(cmd.Params),
		})
	}
	return out
}

func splitName(name string) (group, sub string) {
	for i := range name {
		if name[i] == ' ' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func paramOptions(params []commands.Param) []*discordgo.ApplicationCommandOption {
	opts := make([]*discordgo.ApplicationCommandOption, 0, len(params))
	for _, p := range params {
		kind := discordgo.ApplicationCommandOptionString
		if p.Kind == commands.ArgMember {
			kind = discordgo.ApplicationCommandOptionUser
		}
		opts = append(opts, &discordgo.ApplicationCommandOption{
			Type:        kind,
			Name:        p.Name,
			Description: p.Name,
			Required:    p.Required,
		})
	}
	return opts
}
