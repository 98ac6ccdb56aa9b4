package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListingQuery is the indexed part of a criteria lookup. Set filters are
// matched case-insensitively ignoring surrounding blanks; empty sets are
// ignored.
type ListingQuery struct {
	Since          time.Time
	Until          time.Time // first_seen_at <= Until; zero leaves it open
	ItemTypes      []string
	Certifications []string
	DealerIDs      []string
	Schools        []string
	Limit          int

	// Keyset cursor: when After is set only rows strictly older than
	// (AfterSeenAt, AfterID) in the listing order are returned.
	After       bool
	AfterSeenAt time.Time
	AfterID     uuid.UUID
}

const listingColumns = `
	id, item_type, coalesce(certification, ''), dealer_id, coalesce(school, ''),
	coalesce(smith, ''), coalesce(category, ''), title, coalesce(description, ''),
	price_value, coalesce(currency, ''), coalesce(url, ''), first_seen_at, available`

// buildListingQuery renders q as SQL plus positional args.
func buildListingQuery(q ListingQuery) (string, []any) {
	sb := strings.Builder{}
	sb.WriteString("SELECT")
	sb.WriteString(listingColumns)
	sb.WriteString("\n\tFROM listings\n\tWHERE available AND first_seen_at > $1")

	args := []any{q.Since}
	idx := 2

	if !q.Until.IsZero() {
		sb.WriteString(fmt.Sprintf(" AND first_seen_at <= $%d", idx))
		args = append(args, q.Until)
		idx++
	}

	addSet := func(column string, values []string) {
		lowered := lowerAll(values)
		if len(lowered) == 0 {
			return
		}
		sb.WriteString(fmt.Sprintf(" AND lower(btrim(%s)) = ANY($%d::text[])", column, idx))
		args = append(args, lowered)
		idx++
	}
	addSet("item_type", q.ItemTypes)
	addSet("certification", q.Certifications)
	addSet("dealer_id", q.DealerIDs)
	addSet("school", q.Schools)

	if q.After {
		sb.WriteString(fmt.Sprintf(" AND (first_seen_at, id) < ($%d, $%d)", idx, idx+1))
		args = append(args, q.AfterSeenAt, q.AfterID)
		idx += 2
	}

	sb.WriteString(" ORDER BY first_seen_at DESC, id DESC")
	sb.WriteString(fmt.Sprintf(" LIMIT $%d", idx))
	args = append(args, q.Limit)

	return sb.String(), args
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// QueryListings returns available listings newer than q.Since, most recently
// seen first, capped at q.Limit.
func (r *Repository) QueryListings(ctx context.Context, q ListingQuery) ([]Listing, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query, args := buildListingQuery(q)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to query listings",
			zap.Error(err),
			zap.Time("since", q.Since),
		)
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, q.Limit)
	for rows.Next() {
		var l Listing
		err := rows.Scan(
			&l.ID,
			&l.ItemType,
			&l.Certification,
			&l.DealerID,
			&l.School,
			&l.Smith,
			&l.Category,
			&l.Title,
			&l.Description,
			&l.PriceValue,
			&l.Currency,
			&l.URL,
			&l.FirstSeenAt,
			&l.Available,
		)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	return listings, nil
}
