// Package token mints and verifies the signed credentials used for email
// verification. Tokens are stateless: validity is proven by the HMAC
// signature and the embedded issuance timestamp, never by a lookup.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// VerificationMaxAge bounds the lifetime of verification tokens.
	VerificationMaxAge = 30 * time.Minute
	// WriteupEditMaxAge bounds the lifetime of writeup edit tokens.
	WriteupEditMaxAge = 24 * time.Hour

	purposeVerify      = "verify"
	purposeWriteupEdit = "writeup-edit"
)

var (
	// ErrInvalid indicates a token that fails signature or shape checks.
	ErrInvalid = errors.New("token invalid")
	// ErrExpired indicates a well-formed token older than its max age.
	ErrExpired = errors.New("token expired")
)

type claims struct {
	MemberID int64  `json:"uid"`
	Email    string `json:"email"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

// Codec issues and decodes signed tokens. The zero value is unusable; build
// one with NewCodec.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec constructs a Codec signing with the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{
		secret: []byte(secret),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the codec clock, for tests.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue mints a verification token binding a member identity to an email
// address at the current instant. No side effects, no I/O.
func (c *Codec) Issue(memberID int64, email string) (string, error) {
	return c.issue(memberID, email, purposeVerify)
}

// IssueWriteupEdit mints the long-lived token variant used by the writeup
// site's edit links.
func (c *Codec) IssueWriteupEdit(memberID int64, email string) (string, error) {
	return c.issue(memberID, email, purposeWriteupEdit)
}

func (c *Codec) issue(memberID int64, email, purpose string) (string, error) {
	if len(c.secret) == 0 {
		return "", ErrInvalid
	}
	cl := claims{
		MemberID: memberID,
		Email:    email,
		Purpose:  purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(c.now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
}

// Decode verifies a verification token and enforces maxAge against the
// embedded issuance timestamp. It returns the bound identity and email.
func (c *Codec) Decode(tok string, maxAge time.Duration) (int64, string, error) {
	return c.decode(tok, maxAge, purposeVerify)
}

// DecodeWriteupEdit verifies a writeup edit token.
func (c *Codec) DecodeWriteupEdit(tok string, maxAge time.Duration) (int64, string, error) {
	return c.decode(tok, maxAge, purposeWriteupEdit)
}

func (c *Codec) decode(tok string, maxAge time.Duration, purpose string) (int64, string, error) {
	if len(c.secret) == 0 {
		return 0, "", ErrInvalid
	}
	var cl claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	if _, err := parser.ParseWithClaims(tok, &cl, func(_ *jwt.Token) (any, error) {
		return c.secret, nil
	}); err != nil {
		return 0, "", ErrInvalid
	}
	if cl.Purpose != purpose || cl.MemberID == 0 || cl.Email == "" {
		return 0, "", ErrInvalid
	}
	if cl.IssuedAt == nil {
		return 0, "", ErrInvalid
	}
	if c.now().Sub(cl.IssuedAt.Time) > maxAge {
		return 0, "", ErrExpired
	}
	return cl.MemberID, cl.Email, nil
}
