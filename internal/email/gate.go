// Package email validates institutional addresses and dispatches
// verification mail.
package email

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotInstitutional indicates an address outside the allowed domains.
var ErrNotInstitutional = errors.New("email is not an institutional address")

// localPartPattern matches surname+initial+digits local parts, the common
// way people mistype "j.doe1" as "doe1j".
var localPartPattern = regexp.MustCompile(`^(\w+?)(\w)(\d*)$`)

// Gate checks addresses against the configured institutional domain set.
type Gate struct {
	domains []string
}

// NewGate constructs a Gate. Domain suffixes are matched case-insensitively
// and may be given with or without the leading "@".
func NewGate(domains []string) *Gate {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if !strings.HasPrefix(d, "@") {
			d = "@" + d
		}
		normalized = append(normalized, d)
	}
	return &Gate{domains: normalized}
}

// IsInstitutional reports whether the address ends with one of the allowed
// domain suffixes.
func (g *Gate) IsInstitutional(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, d := range g.domains {
		if strings.HasSuffix(addr, d) {
			return true
		}
	}
	return false
}

// Check returns ErrNotInstitutional for addresses outside the domain set.
func (g *Gate) Check(addr string) error {
	if !g.IsInstitutional(addr) {
		return ErrNotInstitutional
	}
	return nil
}

// SuggestCorrection proposes the likely intended address when the local part
// lacks a dot separator and looks like surname+initial+digits, e.g. "doe1j"
// for "j.doe1". The suggestion is best effort: callers must present it to
// the human and get explicit confirmation, never substitute silently.
func (g *Gate) SuggestCorrection(addr string) (string, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || strings.Contains(local, ".") {
		return "", false
	}
	m := localPartPattern.FindStringSubmatch(local)
	if m == nil {
		return "", false
	}
	surname, initial, number := m[1], m[2], m[3]
	return initial + "." + surname + number + "@" + domain, true
}
