// Package matcher decides whether a listing satisfies a saved search.
//
// Every populated criteria dimension must hold (logical AND); an empty
// criteria object matches any listing newer than the watermark. The matcher
// is pure, so tests can re-derive expected match sets from fixtures.
package matcher

import (
	"strings"
	"time"

	"github.com/lalithlochan/alerter/internal/db"
)

// Matches reports whether l satisfies c and was first seen strictly after
// since. Availability is a store-side predicate and is not checked here.
func Matches(c db.Criteria, l db.Listing, since time.Time) bool {
	return MatchesWindow(c, l, since, time.Time{})
}

// MatchesWindow is Matches with the window closed at until: the listing must
// be first seen in (since, until]. A zero until leaves the window open.
func MatchesWindow(c db.Criteria, l db.Listing, since, until time.Time) bool {
	if !l.FirstSeenAt.After(since) {
		return false
	}
	if !until.IsZero() && l.FirstSeenAt.After(until) {
		return false
	}
	return MatchesCriteria(c, l)
}

// MatchesCriteria applies every dimension except the timestamp floor.
func MatchesCriteria(c db.Criteria, l db.Listing) bool {
	return inSet(c.ItemTypes, l.ItemType) &&
		inSet(c.Certifications, l.Certification) &&
		inSet(c.DealerIDs, l.DealerID) &&
		inSet(c.Schools, l.School) &&
		matchesCategory(c.Category, l.Category) &&
		matchesPrice(c, l.PriceValue) &&
		matchesText(c.Query, l)
}

// inSet is true when the set is empty (after dropping blank entries) or
// contains value, compared case-insensitively.
func inSet(set []string, value string) bool {
	value = strings.TrimSpace(value)
	constrained := false
	for _, s := range set {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		constrained = true
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return !constrained
}

func matchesCategory(category, value string) bool {
	category = strings.TrimSpace(category)
	if category == "" || strings.EqualFold(category, db.CategoryAll) {
		return true
	}
	return strings.EqualFold(category, strings.TrimSpace(value))
}

// matchesPrice checks the ask-price flag and the inclusive bounds. A listing
// without a price value fails any populated bound.
func matchesPrice(c db.Criteria, price *float64) bool {
	if c.AskPriceOnly && price != nil {
		return false
	}
	if c.MinPrice != nil && (price == nil || *price < *c.MinPrice) {
		return false
	}
	if c.MaxPrice != nil && (price == nil || *price > *c.MaxPrice) {
		return false
	}
	return true
}

func matchesText(query string, l db.Listing) bool {
	tokens := Tokens(query)
	if len(tokens) == 0 {
		return true
	}
	haystack := Normalize(strings.Join([]string{l.Title, l.Description, l.School, l.Smith}, " "))
	return ContainsAllTokens(haystack, tokens)
}
