// Package hts normalizes Harmonized Tariff Schedule codes and country
// identifiers into the canonical forms used as lookup keys everywhere else.
package hts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHTS is returned for codes that are not 8 or 10 digits after
// normalization.
var ErrInvalidHTS = errors.New("hts: invalid HTS code")

// HTS is a normalized Harmonized Tariff Schedule code: digits only,
// either 8 or 10 of them.
type HTS struct {
	Digits string // canonical digits-only form
	Len    int    // original digit count: 8 or 10
}

// Normalize accepts the commonly seen HTS shapes — dotted 10-digit
// ("8544.42.9090", "8544.42.90.90"), dotted 8-digit, undotted — and
// returns the canonical digits-only form.
func Normalize(raw string) (HTS, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ' ':
			// separator, dropped
		default:
			return HTS{}, fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidHTS, r, raw)
		}
	}
	digits := b.String()
	if len(digits) != 8 && len(digits) != 10 {
		return HTS{}, fmt.Errorf("%w: %q has %d digits, want 8 or 10", ErrInvalidHTS, raw, len(digits))
	}
	return HTS{Digits: digits, Len: len(digits)}, nil
}

// Undotted returns the digits-only form.
func (h HTS) Undotted() string { return h.Digits }

// Dotted renders the code in the conventional dotted form:
// NNNN.NN.NN for 8 digits, NNNN.NN.NNNN for 10.
func (h HTS) Dotted() string {
	d := h.Digits
	if len(d) < 8 {
		return d
	}
	if len(d) == 8 {
		return d[:4] + "." + d[4:6] + "." + d[6:8]
	}
	return d[:4] + "." + d[4:6] + "." + d[6:10]
}

// Prefix8 returns the leading 8 digits. For an 8-digit code this is the
// code itself; for a 10-digit code it is the subheading-level prefix used
// when an 8-digit assertion is matched against a 10-digit query.
func (h HTS) Prefix8() string {
	if len(h.Digits) <= 8 {
		return h.Digits
	}
	return h.Digits[:8]
}

// MatchesAssertion reports whether a stored assertion keyed on stored can
// answer a query for h. An exact match always succeeds; an 8-digit stored
// code matches a 10-digit query by prefix. The reverse — a 10-digit stored
// code answering an 8-digit query — never matches.
func (h HTS) MatchesAssertion(stored string) bool {
	if h.Digits == stored {
		return true
	}
	return len(stored) == 8 && len(h.Digits) == 10 && strings.HasPrefix(h.Digits, stored)
}

// SearchTerms returns the dotted and undotted forms, which retrieval
// treats as equivalent lexical search terms.
func (h HTS) SearchTerms() []string {
	return []string{h.Dotted(), h.Undotted()}
}
