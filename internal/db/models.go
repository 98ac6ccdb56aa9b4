package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frequency is the notification cadence of a saved search.
type Frequency string

const (
	FrequencyInstant Frequency = "instant"
	FrequencyDaily   Frequency = "daily"
)

// ParseFrequency converts a raw string to a Frequency, returning an error for
// unknown values.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FrequencyInstant, FrequencyDaily:
		return f, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// Criteria holds the filters of a saved search. Every field is optional and a
// zero value means no constraint on that dimension.
type Criteria struct {
	ItemTypes      []string `json:"itemTypes,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
	DealerIDs      []string `json:"dealerIds,omitempty"`
	Schools        []string `json:"schools,omitempty"`
	Query          string   `json:"query,omitempty"`
	Category       string   `json:"category,omitempty"`
	AskPriceOnly   bool     `json:"askPriceOnly,omitempty"`
	MinPrice       *float64 `json:"minPrice,omitempty"`
	MaxPrice       *float64 `json:"maxPrice,omitempty"`
}

// CategoryAll is the sentinel category that disables category filtering.
const CategoryAll = "all"

// IsEmpty reports whether no dimension is populated.
func (c Criteria) IsEmpty() bool {
	return len(c.ItemTypes) == 0 &&
		len(c.Certifications) == 0 &&
		len(c.DealerIDs) == 0 &&
		len(c.Schools) == 0 &&
		strings.TrimSpace(c.Query) == "" &&
		(c.Category == "" || strings.EqualFold(c.Category, CategoryAll)) &&
		!c.AskPriceOnly &&
		c.MinPrice == nil &&
		c.MaxPrice == nil
}

// Subscription is a user's saved search plus its notification state.
type Subscription struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Criteria       Criteria   `json:"criteria"`
	Frequency      Frequency  `json:"frequency"`
	Active         bool       `json:"active"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
	LastMatchCount int        `json:"last_match_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Listing is the read-only catalog snapshot the matcher works on.
type Listing struct {
	ID            uuid.UUID `json:"id"`
	ItemType      string    `json:"item_type"`
	Certification string    `json:"certification,omitempty"`
	DealerID      string    `json:"dealer_id"`
	School        string    `json:"school,omitempty"`
	Smith         string    `json:"smith,omitempty"`
	Category      string    `json:"category,omitempty"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	PriceValue    *float64  `json:"price_value,omitempty"` // nil means price on request
	Currency      string    `json:"currency,omitempty"`
	URL           string    `json:"url,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	Available     bool      `json:"available"`
}

// ListingIDs returns the ids of the given listings in order.
func ListingIDs(listings []Listing) []uuid.UUID {
	ids := make([]uuid.UUID, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	return ids
}

// Audit status constants
const (
	AuditStatusSent   = "sent"
	AuditStatusFailed = "failed"
)

// AuditRecord is one dispatch attempt outcome. Append-only.
type AuditRecord struct {
	ID             uuid.UUID   `json:"id"`
	SubscriptionID uuid.UUID   `json:"subscription_id"`
	RunID          uuid.UUID   `json:"run_id"`
	ListingIDs     []uuid.UUID `json:"listing_ids"`
	Status         string      `json:"status"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// RunRecord is the durable outcome of one batch invocation.
type RunRecord struct {
	ID                uuid.UUID `json:"id"`
	Frequency         Frequency `json:"frequency"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Processed         int       `json:"processed"`
	NotificationsSent int       `json:"notifications_sent"`
	Errors            int       `json:"errors"`
	Skipped           int       `json:"skipped"`
	Remaining         int       `json:"remaining"`
	TimedOut          bool      `json:"timed_out"`
	FailureMessage    *string   `json:"failure_message,omitempty"`
}
