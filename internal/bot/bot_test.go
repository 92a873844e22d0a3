package bot

import (
	"io"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luhack/gatekeeper/internal/commands"
)

func testTable(t *testing.T) *commands.Table {
	t.Helper()
	table := commands.NewTable(slog.New(slog.NewTextHandler(io.Discard, nil)))
	table.Register(commands.Command{
		Name:        "verify begin",
		Description: "start verification",
		Params: []commands.Param{
			{Name: "email", Kind: commands.ArgEmail, Required: true},
			{Name: "confirm", Kind: commands.ArgString},
		},
		Handle: func(inv commands.Invocation, args commands.Args) (string, error) {
			return "ok", nil
		},
	})
	table.Register(commands.Command{
		Name:        "verify_admin unverify",
		Description: "drop a record",
		Admin:       true,
		Params: []commands.Param{
			{Name: "member", Kind: commands.ArgMember, Required: true},
		},
		Handle: func(inv commands.Invocation, args commands.Args) (string, error) {
			return "ok", nil
		},
	})
	return table
}

func TestGroupCommandsBuildsSubcommands(t *testing.T) {
	groups := groupCommands(testTable(t).Commands())
	require.Len(t, groups, 2)

	verifyCmd := groups[0]
	assert.Equal(t, "verify", verifyCmd.Name)
	require.Len(t, verifyCmd.Options, 1)
	assert.Equal(t, discordgo.ApplicationCommandOptionSubCommand, verifyCmd.Options[0].Type)
	assert.Equal(t, "begin", verifyCmd.Options[0].Name)
	require.Len(t, verifyCmd.Options[0].Options, 2)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, verifyCmd.Options[0].Options[0].Type)
	assert.True(t, verifyCmd.Options[0].Options[0].Required)
	assert.Nil(t, verifyCmd.DefaultMemberPermissions)

	adminCmd := groups[1]
	assert.Equal(t, "verify_admin", adminCmd.Name)
	require.NotNil(t, adminCmd.DefaultMemberPermissions)
	assert.Equal(t, int64(discordgo.PermissionAdministrator), *adminCmd.DefaultMemberPermissions)
	require.Len(t, adminCmd.Options, 1)
	assert.Equal(t, discordgo.ApplicationCommandOptionUser, adminCmd.Options[0].Options[0].Type)
}

func TestRawArgsFollowParameterOrder(t *testing.T) {
	table := testTable(t)

	opts := []*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "confirm", Value: "exact"},
		{Name: "email", Value: "j.doe1@lancs.ac.uk"},
	}
	assert.Equal(t, []string{"j.doe1@lancs.ac.uk", "exact"}, rawArgs(table, "verify begin", opts))

	// an omitted trailing optional is not an empty supplied argument
	opts = opts[1:]
	assert.Equal(t, []string{"j.doe1@lancs.ac.uk"}, rawArgs(table, "verify begin", opts))

	assert.Nil(t, rawArgs(table, "no such command", nil))
}

func TestCommandPathFlattensSubcommands(t *testing.T) {
	inner := []*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "email", Value: "j.doe1@lancs.ac.uk"},
	}
	data := discordgo.ApplicationCommandInteractionData{
		Name: "verify",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:    "begin",
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: inner,
			},
		},
	}

	name, opts := commandPath(data)
	assert.Equal(t, "verify begin", name)
	assert.Equal(t, inner, opts)

	flat := discordgo.ApplicationCommandInteractionData{Name: "ping", Options: inner}
	name, opts = commandPath(flat)
	assert.Equal(t, "ping", name)
	assert.Equal(t, inner, opts)
}
