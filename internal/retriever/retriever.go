// Package retriever finds the listings that match a saved search.
//
// Indexed predicates (availability, timestamp floor, set membership) are
// pushed to the listing store; free text, price bounds and category are
// applied in-process against an over-fetched page. When a full page still
// yields too few matches the retriever walks further pages with a keyset
// cursor, up to MaxPages.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/matcher"
	"github.com/lalithlochan/alerter/internal/metrics"
)

// ErrRetrieval wraps every listing store failure.
var ErrRetrieval = errors.New("listing retrieval failed")

// ListingStore is the query surface of the catalog.
type ListingStore interface {
	QueryListings(ctx context.Context, q db.ListingQuery) ([]db.Listing, error)
}

// Config tunes paging.
type Config struct {
	// OverFetch multiplies the match limit to size each store page.
	OverFetch int
	// MaxPages bounds the store round trips per lookup.
	MaxPages int
	// QPS paces store queries across all subscriptions. 0 disables pacing.
	QPS   float64
	Burst int
}

// DefaultConfig returns the production paging settings.
func DefaultConfig() Config {
	return Config{OverFetch: 4, MaxPages: 5}
}

// Retriever implements FindMatches over a ListingStore.
type Retriever struct {
	store   ListingStore
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Retriever.
func New(store ListingStore, cfg Config, logger *zap.Logger) *Retriever {
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = 4
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}

	r := &Retriever{
		store:  store,
		config: cfg,
		logger: logger,
	}

	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.QPS))
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}

	return r
}

// FindMatches returns up to limit listings matching c that were first seen
// in (since, until], most recently seen first. A zero until leaves the window
// open.
func (r *Retriever) FindMatches(ctx context.Context, c db.Criteria, since, until time.Time, limit int) ([]db.Listing, error) {
	if limit <= 0 {
		return []db.Listing{}, nil
	}

	start := time.Now()
	defer func() { metrics.RecordRetrieval(time.Since(start)) }()

	pageSize := limit * r.config.OverFetch
	q := db.ListingQuery{
		Since:          since,
		Until:          until,
		ItemTypes:      c.ItemTypes,
		Certifications: c.Certifications,
		DealerIDs:      c.DealerIDs,
		Schools:        c.Schools,
		Limit:          pageSize,
	}

	matches := make([]db.Listing, 0, limit)
	for page := 0; page < r.config.MaxPages; page++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: pacing: %v", ErrRetrieval, err)
			}
		}

		rows, err := r.store.QueryListings(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
		}

		for _, l := range rows {
			if matcher.MatchesWindow(c, l, since, until) {
				matches = append(matches, l)
				if len(matches) == limit {
					return matches, nil
				}
			}
		}

		if len(rows) < pageSize {
			return matches, nil
		}

		last := rows[len(rows)-1]
		q.After = true
		q.AfterSeenAt = last.FirstSeenAt
		q.AfterID = last.ID
	}

	r.logger.Debug("match lookup hit page limit",
		zap.Int("pages", r.config.MaxPages),
		zap.Int("matches", len(matches)),
		zap.Int("limit", limit),
	)

	return matches, nil
}
