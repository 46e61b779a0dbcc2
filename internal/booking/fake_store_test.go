package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/dispatch"
)

// memStore mirrors the repository's conditional-upsert semantics in memory.
type memStore struct {
	mu          sync.Mutex
	clients     map[uuid.UUID]*db.ClientConnection
	bookings    map[string]*db.Booking // client_id|provider_event_id
	stats       []db.DailyStat
	completeErr error
	writes      int
}

func newMemStore() *memStore {
	return &memStore{
		clients:  make(map[uuid.UUID]*db.ClientConnection),
		bookings: make(map[string]*db.Booking),
	}
}

func key(clientID uuid.UUID, providerEventID string) string {
	return clientID.String() + "|" + providerEventID
}

func (m *memStore) addClient(c *db.ClientConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

func (m *memStore) addBooking(b *db.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	m.bookings[key(b.ClientID, b.ProviderEventID)] = b
}

func (m *memStore) GetClient(ctx context.Context, id uuid.UUID) (*db.ClientConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, db.ErrNotFound)
	}
	return c, nil
}

func (m *memStore) GetClientByAccessToken(ctx context.Context, token string) (*db.ClientConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.AccessToken == token {
			return c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) UpsertBooking(ctx context.Context, b *db.Booking) (db.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	k := key(b.ClientID, b.ProviderEventID)
	existing, ok := m.bookings[k]
	if !ok {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		stored := *b
		m.bookings[k] = &stored
		return db.UpsertResult{Inserted: true}, nil
	}

	prev := existing.State
	next := *b
	next.ID = existing.ID
	next.ArtifactURL = existing.ArtifactURL
	if prev != db.StateScheduled {
		next.State = prev
		next.CancelReason = existing.CancelReason
	}
	m.bookings[k] = &next

	b.ID = next.ID
	b.State = next.State
	b.CancelReason = next.CancelReason
	b.ArtifactURL = next.ArtifactURL
	return db.UpsertResult{PreviousState: prev}, nil
}

func (m *memStore) ListBookings(ctx context.Context, clientID uuid.UUID, since *time.Time) ([]*db.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Booking
	for _, b := range m.bookings {
		if b.ClientID != clientID {
			continue
		}
		if since != nil && b.EventTime.Before(*since) {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime.After(out[j].EventTime) })
	return out, nil
}

func (m *memStore) CompleteBookings(ctx context.Context, clientID uuid.UUID, ids []uuid.UUID, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.completeErr != nil {
		return 0, m.completeErr
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, b := range m.bookings {
		if b.ClientID == clientID && want[b.ID] && b.State == db.StateScheduled && b.EventTime.Before(now) {
			b.State = db.StateCompleted
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetBookingByProviderEvent(ctx context.Context, clientID uuid.UUID, providerEventID string) (*db.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[key(clientID, providerEventID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (m *memStore) AttachArtifact(ctx context.Context, clientID, bookingID uuid.UUID, url string) (*db.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.ClientID == clientID && b.ID == bookingID {
			b.ArtifactURL = &url
			c := *b
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) CountBookings(ctx context.Context, clientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bookings {
		if b.ClientID == clientID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListDailyStats(ctx context.Context, clientID uuid.UUID, since time.Time) ([]db.DailyStat, error) {
	return m.stats, nil
}

func (m *memStore) get(clientID uuid.UUID, providerEventID string) *db.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookings[key(clientID, providerEventID)]
}

type recordingNotifier struct {
	mu          sync.Mutex
	occurrences []dispatch.Occurrence
	failAll     bool
}

func (n *recordingNotifier) Dispatch(ctx context.Context, occ dispatch.Occurrence) dispatch.Report {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.occurrences = append(n.occurrences, occ)

	report := dispatch.Report{ClientID: occ.ClientID, Kind: occ.Kind}
	status := db.DeliverySent
	if n.failAll {
		status = db.DeliveryFailed
	}
	for _, ch := range []string{"discord", "slack"} {
		o := dispatch.Outcome{Channel: ch, Status: status}
		if n.failAll {
			o.Err = errors.New("channel down")
			o.Error = o.Err.Error()
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.occurrences))
	for _, o := range n.occurrences {
		out = append(out, o.Kind)
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
