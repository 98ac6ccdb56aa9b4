package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/matcher"
	"github.com/lalithlochan/alerter/internal/notify"
	"github.com/lalithlochan/alerter/internal/retriever"
	"github.com/lalithlochan/alerter/internal/watermark"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// memDB stands in for Postgres: subscriptions, owners, audit and runs.
type memDB struct {
	mu       sync.Mutex
	subs     []db.Subscription
	emails   map[uuid.UUID]string
	audit    []db.AuditRecord
	runs     []db.RunRecord
	loadErr  error
	emailErr error
	auditErr error
	markErr  error

	emailCalls int
}

func newMemDB() *memDB {
	return &memDB{emails: map[uuid.UUID]string{}}
}

func (m *memDB) addSub(freq db.Frequency, c db.Criteria, last *time.Time) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := db.Subscription{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Criteria:       c,
		Frequency:      freq,
		Active:         true,
		LastNotifiedAt: last,
		CreatedAt:      t0.Add(-time.Duration(len(m.subs)) * time.Hour),
	}
	m.subs = append(m.subs, sub)
	m.emails[sub.UserID] = fmt.Sprintf("user%d@example.com", len(m.subs))
	return sub.ID
}

func (m *memDB) sub(id uuid.UUID) db.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			return s
		}
	}
	panic("unknown subscription " + id.String())
}

func (m *memDB) removeEmail(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			delete(m.emails, s.UserID)
		}
	}
}

func (m *memDB) auditFor(id uuid.UUID) []db.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.AuditRecord
	for _, a := range m.audit {
		if a.SubscriptionID == id {
			out = append(out, a)
		}
	}
	return out
}

func (m *memDB) GetActiveSubscriptions(ctx context.Context, freq db.Frequency) ([]db.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []db.Subscription
	for _, s := range m.subs {
		if s.Active && s.Frequency == freq {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memDB) GetEmailsByUserIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emailCalls++
	if m.emailErr != nil {
		return nil, m.emailErr
	}
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if e, ok := m.emails[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (m *memDB) CommitWatermark(ctx context.Context, id uuid.UUID, notifiedAt time.Time, matchCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	for i, s := range m.subs {
		if s.ID != id {
			continue
		}
		if s.LastNotifiedAt != nil && s.LastNotifiedAt.After(notifiedAt) {
			return db.ErrStaleWatermark
		}
		at := notifiedAt
		m.subs[i].LastNotifiedAt = &at
		m.subs[i].LastMatchCount = matchCount
		return nil
	}
	return errors.New("subscription not found")
}

func (m *memDB) AppendAudit(ctx context.Context, rec *db.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	rec.ID = uuid.New()
	m.audit = append(m.audit, *rec)
	return nil
}

func (m *memDB) InsertRun(ctx context.Context, run *db.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

// memRetriever applies the matcher over an in-memory catalog, newest first.
// Criteria.Query values "fail" and "panic" trigger the failure paths.
type memRetriever struct {
	mu       sync.Mutex
	listings []db.Listing
	calls    int
	onCall   func()
}

func (r *memRetriever) add(l db.Listing) db.Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings = append(r.listings, l)
	return l
}

func (r *memRetriever) FindMatches(ctx context.Context, c db.Criteria, since, until time.Time, limit int) ([]db.Listing, error) {
	r.mu.Lock()
	r.calls++
	onCall := r.onCall
	listings := append([]db.Listing(nil), r.listings...)
	r.mu.Unlock()

	if onCall != nil {
		onCall()
	}

	switch c.Query {
	case "fail":
		return nil, fmt.Errorf("%w: connection refused", retriever.ErrRetrieval)
	case "panic":
		panic("catalog exploded")
	}

	var out []db.Listing
	for _, l := range listings {
		if l.Available && matcher.MatchesWindow(c, l, since, until) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.After(out[j].FirstSeenAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recordingTransport captures sends and fails for configured recipients.
type recordingTransport struct {
	mu     sync.Mutex
	sent   []notify.Email
	failTo map[string]error
	err    error
}

func (t *recordingTransport) Name() string { return "test" }

func (t *recordingTransport) Send(ctx context.Context, email notify.Email) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", t.err
	}
	if err := t.failTo[email.To]; err != nil {
		return "", err
	}
	t.sent = append(t.sent, email)
	return fmt.Sprintf("msg-%d", len(t.sent)), nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *recordingTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released []string
}

func (l *fakeLocker) TryAcquire(ctx context.Context, key, token string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = token
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released = append(l.released, token)
		return nil
	}, true, nil
}

type recordingReporter struct {
	mu        sync.Mutex
	summaries []Summary
	err       error
}

func (r *recordingReporter) Report(ctx context.Context, s *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, *s)
	return r.err
}

// clock is a settable time source safe for the group goroutines.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	db        *memDB
	catalog   *memRetriever
	transport *recordingTransport
	locker    *fakeLocker
	reporter  *recordingReporter
	clock     *clock
	runner    *Runner
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		db:        newMemDB(),
		catalog:   &memRetriever{},
		transport: &recordingTransport{failTo: map[string]error{}},
		locker:    &fakeLocker{},
		reporter:  &recordingReporter{},
		clock:     &clock{t: t0.Add(10 * time.Minute)},
	}

	logger := zap.NewNop()
	dispatcher := notify.NewDispatcher(h.transport, notify.NewRenderer("https://app.example.com"), logger)

	h.runner = New(Deps{
		Directory:  h.db,
		Retriever:  h.catalog,
		Dispatcher: dispatcher,
		Watermarks: watermark.New(h.db, logger),
		Audit:      h.db,
		Locker:     h.locker,
		Reporters:  []Reporter{h.reporter, NewRunRecordReporter(h.db)},
	}, cfg, logger)
	h.runner.now = h.clock.now

	return h
}

func listingAt(itemType string, seen time.Time) db.Listing {
	price := 250000.0
	return db.Listing{
		ID:          uuid.New(),
		ItemType:    itemType,
		DealerID:    "dealer-1",
		Title:       itemType + " " + seen.Format("15:04"),
		PriceValue:  &price,
		Currency:    "JPY",
		FirstSeenAt: seen,
		Available:   true,
	}
}

func ptr[T any](v T) *T { return &v }
