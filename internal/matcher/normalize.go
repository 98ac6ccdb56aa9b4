package matcher

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds text for free-text matching: diacritics are stripped,
// letters are lower-cased and every run of non-alphanumerics becomes a single
// space. "Masamune (正宗) – Sōshū" becomes "masamune 正宗 soshu".
func Normalize(s string) string {
	// Transformers carry state, so build the chain per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Tokens splits a query into normalized search tokens.
func Tokens(query string) []string {
	return strings.Fields(Normalize(query))
}

// ContainsAllTokens reports whether every token occurs in the normalized
// haystack as a substring. No tokens means no constraint.
func ContainsAllTokens(haystack string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(haystack, tok) {
			return false
		}
	}
	return true
}
