// Package commands maps chat command names onto typed handlers. Dispatch is
// an explicit parse step against a declared parameter schema followed by a
// handler call; protocol errors are turned into user-facing text at this
// boundary.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ArgKind declares how a raw argument is parsed.
type ArgKind int

const (
	// ArgString passes the raw value through.
	ArgString ArgKind = iota
	// ArgEmail lowercases and trims the value.
	ArgEmail
	// ArgMember parses a member mention or numeric identity.
	ArgMember
)

// Param declares one command parameter.
type Param struct {
	Name     string
	Kind     ArgKind
	Required bool
}

// Args holds parsed argument values.
type Args struct {
	strings map[string]string
	members map[string]int64
}

// String returns a string or email argument.
func (a Args) String(name string) string {
	return a.strings[name]
}

// MemberID returns a member argument.
func (a Args) MemberID(name string) int64 {
	return a.members[name]
}

// Invocation carries the requesting member and request context.
type Invocation struct {
	Ctx       context.Context
	InvokerID int64
	IsAdmin   bool
}

// HandlerFunc executes a command and returns the user-facing reply.
type HandlerFunc func(inv Invocation, args Args) (string, error)

// Command is one entry in the dispatch table.
type Command struct {
	Name        string
	Description string
	Admin       bool
	Params      []Param
	Handle      HandlerFunc
}

// ParseError indicates arguments that failed the declared schema.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

// Table is the command dispatch table.
type Table struct {
	logger *slog.Logger
	cmds   map[string]*Command
	order  []string
}

// NewTable constructs an empty Table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{logger: logger, cmds: map[string]*Command{}}
}

// Register adds a command. Duplicate names are a programming error.
func (t *Table) Register(cmd Command) {
	if _, ok := t.cmds[cmd.Name]; ok {
		panic(fmt.Sprintf("commands: duplicate command %q", cmd.Name))
	}
	c := cmd
	t.cmds[cmd.Name] = &c
	t.order = append(t.order, cmd.Name)
}

// Commands returns registered commands in registration order.
func (t *Table) Commands() []Command {
	out := make([]Command, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.cmds[name])
	}
	return out
}

// Dispatch parses raw arguments against the command schema and runs the
// handler. The returned string is always safe to show to the requester.
func (t *Table) Dispatch(inv Invocation, name string, raw []string) string {
	cmd, ok := t.cmds[name]
	if !ok {
		return fmt.Sprintf("Unknown command %q.", name)
	}
	if cmd.Admin && !inv.IsAdmin {
		return "You don't have permission to run that command."
	}

	args, err := parseArgs(cmd.Params, raw)
	if err != nil {
		return err.Error()
	}

	reply, herr := cmd.Handle(inv, args)
	if herr != nil {
		return t.renderError(inv, name, herr)
	}
	return reply
}

func parseArgs(params []Param, raw []string) (Args, *ParseError) {
	args := Args{strings: map[string]string{}, members: map[string]int64{}}
	for i, p := range params {
		if i >= len(raw) || strings.TrimSpace(raw[i]) == "" {
			if p.Required {
				return args, &ParseError{msg: fmt.Sprintf("Missing required argument `%s`.", p.Name)}
			}
			continue
		}
		value := strings.TrimSpace(raw[i])
		switch p.Kind {
		case ArgString:
			args.strings[p.Name] = value
		case ArgEmail:
			args.strings[p.Name] = strings.ToLower(value)
		case ArgMember:
			id, err := parseMemberID(value)
			if err != nil {
				return args, &ParseError{msg: fmt.Sprintf("`%s` doesn't look like a member.", value)}
			}
			args.members[p.Name] = id
		}
	}
	if len(raw) > len(params) {
		return args, &ParseError{msg: "Too many arguments."}
	}
	return args, nil
}

// parseMemberID accepts a bare numeric identity or a <@id>/<@!id> mention.
func parseMemberID(value string) (int64, error) {
	value = strings.TrimSuffix(strings.TrimPrefix(value, "<@"), ">")
	value = strings.TrimPrefix(value, "!")
	return strconv.ParseInt(value, 10, 64)
}

func (t *Table) renderError(inv Invocation, name string, err error) string {
	if msg, ok := userMessage(err); ok {
		return msg
	}
	// infrastructure fault: log with context, tell the user delivery may
	// have failed
	t.logger.Error("command failed",
		slog.String("command", name),
		slog.Int64("discord_id", inv.InvokerID),
		slog.Any("error", err),
	)
	return "Something went wrong on our end, delivery may have failed. Please try again in a moment."
}

// userMessage translates protocol errors into actionable user text. These
// are never logged as system faults.
func userMessage(err error) (string, bool) {
	var parseErr *ParseError
	switch {
	case errors.As(err, &parseErr):
		return parseErr.Error(), true
	}
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.text, true
		}
	}
	return "", false
}
