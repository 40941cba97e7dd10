// Package normalize provides the pure text-normalization primitive used
// everywhere equality/containment comparisons are semantic rather than
// byte-exact: catalog resolution, reset-keyword detection, and yes/no
// reply parsing.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	nonAlnumSpace      = regexp.MustCompile(`[^a-z0-9\s]`)
	collapseSpace      = regexp.MustCompile(`\s+`)
)

// Normalize lowercases s, strips diacritics via NFD decomposition, replaces
// anything outside [a-z0-9\s] with a space, collapses repeated whitespace,
// and trims. It is deterministic and idempotent: Normalize(Normalize(s)) ==
// Normalize(s).
func Normalize(s string) string {
	lowered := strings.ToLower(s)
	ascii, _, err := transform.String(diacriticStripper, lowered)
	if err != nil {
		ascii = lowered
	}
	stripped := nonAlnumSpace.ReplaceAllString(ascii, " ")
	return strings.TrimSpace(collapseSpace.ReplaceAllString(stripped, " "))
}

// Tokens splits a normalized string on whitespace. Empty input yields an
// empty (not nil) slice.
func Tokens(s string) []string {
	normalized := Normalize(s)
	if normalized == "" {
		return []string{}
	}
	return strings.Split(normalized, " ")
}

// ContainsEither reports whether a is a substring of b or b is a substring
// of a, after normalizing both. Used by catalog containment fallback
// matching (spec §4.B).
func ContainsEither(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}
