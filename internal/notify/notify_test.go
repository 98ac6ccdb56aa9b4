package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/alerter/internal/db"
)

type mockTransport struct {
	name  string
	err   error
	sent  []Email
	calls int
}

func (m *mockTransport) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockTransport) Send(ctx context.Context, email Email) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, email)
	return fmt.Sprintf("msg-%d", m.calls), nil
}

func makeSubscription(freq db.Frequency) db.Subscription {
	return db.Subscription{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Frequency: freq,
		Active:    true,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func makeListings(n int) []db.Listing {
	out := make([]db.Listing, n)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range out {
		price := float64(1000 * (i + 1))
		out[i] = db.Listing{
			ID:          uuid.New(),
			ItemType:    "katana",
			DealerID:    "dealer-1",
			Title:       fmt.Sprintf("Listing %d", i+1),
			Description: "Signed blade in shirasaya",
			PriceValue:  &price,
			Currency:    "USD",
			FirstSeenAt: base.Add(-time.Duration(i) * time.Minute),
			Available:   true,
		}
	}
	return out
}
