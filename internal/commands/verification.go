package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/luhack/gatekeeper/internal/email"
	"github.com/luhack/gatekeeper/internal/shared"
	"github.com/luhack/gatekeeper/internal/token"
	"github.com/luhack/gatekeeper/internal/verify"
)

var userMessages = []struct {
	err  error
	text string
}{
	{token.ErrInvalid, "That token is invalid."},
	{token.ErrExpired, "That token is older than 30 minutes and has expired, request a new one with /verify begin."},
	{verify.ErrIdentityMismatch, "Seems you're not the same person that generated the token, go away."},
	{verify.ErrAlreadyRegistered, "It seems you've already registered."},
	{verify.ErrEmailTaken, "Looks like that email address is already registered to someone else."},
	{email.ErrNotInstitutional, "Invalid email, please provide a valid lancs email, such as @lancaster.ac.uk, @lancs.ac.uk, or @live.lancs.ac.uk."},
	{shared.ErrNotFound, "No record for that member."},
}

// Suggester proposes corrections for mistyped local parts.
type Suggester interface {
	SuggestCorrection(addr string) (string, bool)
}

// RegisterVerification wires the verification command set into the table.
// The typo suggestion is confirmation-based: the handler never substitutes
// a corrected address silently, it asks the member to re-run with it.
func RegisterVerification(table *Table, svc *verify.Service, suggester Suggester) {
	table.Register(Command{
		Name:        "verify begin",
		Description: "Generates an authentication token and emails it to your institutional address.",
		Params: []Param{
			{Name: "email", Kind: ArgEmail, Required: true},
			{Name: "confirm", Kind: ArgString},
		},
		Handle: func(inv Invocation, args Args) (string, error) {
			addr := args.String("email")
			if args.String("confirm") != "exact" {
				if corrected, ok := suggester.SuggestCorrection(addr); ok {
					return fmt.Sprintf(
						"Looks like your email may be in the incorrect format, did you mean `%s`?\n"+
							"If so, run `/verify begin %s`. To use the address exactly as given, run `/verify begin %s exact`.",
						corrected, corrected, addr,
					), nil
				}
			}
			if err := svc.BeginVerify(inv.Ctx, inv.InvokerID, addr); err != nil {
				return "", err
			}
			return fmt.Sprintf("Okay, I've sent an email to `%s` with your token!", addr), nil
		},
	})

	table.Register(Command{
		Name:        "verify complete",
		Description: "Takes an authentication token and elevates you to verified.",
		Params: []Param{
			{Name: "token", Kind: ArgString, Required: true},
		},
		Handle: func(inv Invocation, args Args) (string, error) {
			if err := svc.CompleteVerify(inv.Ctx, inv.InvokerID, args.String("token")); err != nil {
				return "", err
			}
			return "Permissions granted, you can now access all of the discord channels. You are now on the path to Grand Master Cyber Wizard!", nil
		},
	})

	table.Register(Command{
		Name:        "verify_admin verify_manually",
		Description: "Manually verify a member.",
		Admin:       true,
		Params: []Param{
			{Name: "member", Kind: ArgMember, Required: true},
			{Name: "email", Kind: ArgEmail, Required: true},
		},
		Handle: func(inv Invocation, args Args) (string, error) {
			memberID := args.MemberID("member")
			if err := svc.ManualGrant(inv.Ctx, inv.InvokerID, memberID, args.String("email")); err != nil {
				return "", err
			}
			return fmt.Sprintf("Manually verified <@%d>.", memberID), nil
		},
	})

	table.Register(Command{
		Name:        "verify_admin user_info",
		Description: "Look up the verification record for a member.",
		Admin:       true,
		Params: []Param{
			{Name: "member", Kind: ArgMember, Required: true},
		},
		Handle: func(inv Invocation, args Args) (string, error) {
			user, err := svc.UserInfo(inv.Ctx, args.MemberID("member"))
			if errors.Is(err, shared.ErrNotFound) {
				return "No info for that user ;_;", nil
			}
			if err != nil {
				return "", err
			}
			reply := fmt.Sprintf("User: %s (%d) <%s>. Verified at: %s. Last active: %s.",
				user.Username, user.DiscordID, user.Email,
				user.VerifiedAt.Format(time.RFC1123),
				user.LastActivity.Format(time.RFC1123),
			)
			if user.IsFlagged() {
				reply += fmt.Sprintf(" Flagged for removal since %s.", user.FlaggedForRemoval.Format(time.RFC1123))
			}
			return reply, nil
		},
	})

	table.Register(Command{
		Name:        "verify_admin unverify",
		Description: "Remove a member's verification record.",
		Admin:       true,
		Params: []Param{
			{Name: "member", Kind: ArgMember, Required: true},
		},
		Handle: func(inv Invocation, args Args) (string, error) {
			memberID := args.MemberID("member")
			if err := svc.Unverify(inv.Ctx, inv.InvokerID, memberID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Unverified <@%d>.", memberID), nil
		},
	})

	table.Register(Command{
		Name:        "verify_admin flag_inactive",
		Description: "Manually flag a member as inactive.",
		Admin:       true,
		Params: []Param{
			{Name: "member", Kind: ArgMember, Required: true},
		},
		Handle: func(inv Invocation, args Args) (string, error) {
			memberID := args.MemberID("member")
			if err := svc.FlagInactive(inv.Ctx, inv.InvokerID, memberID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Flagged <@%d> for removal, they have a week to re-verify.", memberID), nil
		},
	})
}
