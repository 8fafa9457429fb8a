// Package naming turns free-text application names into their comparable form
// and derives the fixed-width hashes used for indexed lookup and idempotency.
package naming

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical comparable form of a raw application name:
// compatibility-composed, case-folded, stripped of everything that is not a
// letter, digit or whitespace, trimmed, with whitespace runs collapsed to a
// single space.
//
// Normalize is total (empty input gives empty output) and idempotent.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	// Dropping punctuation or marks can leave neighbours that compose (Hangul
	// jamo, for one), so passes repeat until the output is stable.
	out := normalizePass(raw)
	for i := 0; i < maxNormalizePasses; i++ {
		next := normalizePass(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

// maxNormalizePasses bounds the fixed-point loop; real input settles after
// one extra pass.
const maxNormalizePasses = 4

func normalizePass(s string) string {
	// cases.Caser keeps state, so each call gets its own.
	folded := cases.Fold().String(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingSpace = true
		}
		// anything else (punctuation, symbols, marks) is dropped without
		// introducing a word break
	}

	return b.String()
}

// Equivalent reports whether two raw names normalize to the same form.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
