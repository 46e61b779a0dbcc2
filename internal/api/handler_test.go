package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/booking"
	"github.com/lalithlochan/meetsync/internal/calendly"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/dispatch"
	"github.com/lalithlochan/meetsync/internal/redis"
	"github.com/lalithlochan/meetsync/internal/sqs"
	"github.com/lalithlochan/meetsync/internal/subscription"
)

var (
	testNow    = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	signingKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	adminKey   = "admin-secret"
)

// MockBookings is a fake booking service.
type MockBookings struct {
	mu          sync.Mutex
	clients     map[string]*db.ClientConnection
	bookings    map[string]*db.Booking
	ingestCalls int
	eventCalls  int
	eventErr    error
}

func NewMockBookings() *MockBookings {
	return &MockBookings{
		clients:  make(map[string]*db.ClientConnection),
		bookings: make(map[string]*db.Booking),
	}
}

func (m *MockBookings) Authenticate(ctx context.Context, token string) (*db.ClientConnection, error) {
	c, ok := m.clients[token]
	if !ok || !c.Active {
		return nil, booking.ErrInvalidCredential
	}
	return c, nil
}

func (m *MockBookings) Ingest(ctx context.Context, client *db.ClientConnection, in booking.BookingInput) (*booking.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestCalls++
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if b, ok := m.bookings[in.ProviderEventID]; ok {
		return &booking.Result{Booking: b}, nil
	}
	b := &db.Booking{ID: uuid.New(), ClientID: client.ID, ProviderEventID: in.ProviderEventID, State: db.StateScheduled, EventTime: in.EventTime}
	m.bookings[in.ProviderEventID] = b
	report := dispatch.Report{ClientID: client.ID, Kind: dispatch.KindBookingCreated}
	return &booking.Result{Booking: b, Inserted: true, Notification: &report}, nil
}

func (m *MockBookings) IngestEvent(ctx context.Context, clientID uuid.UUID, ev *calendly.Event) (*booking.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCalls++
	if m.eventErr != nil {
		return nil, m.eventErr
	}
	b := ev.Booking(clientID)
	b.ID = uuid.New()
	return &booking.Result{Booking: b, Inserted: true}, nil
}

func (m *MockBookings) AttachArtifact(ctx context.Context, client *db.ClientConnection, in booking.ArtifactInput) (*booking.Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	b, ok := m.bookings[in.ProviderEventID]
	if !ok {
		return nil, db.ErrNotFound
	}
	b.ArtifactURL = &in.ArtifactURL
	report := dispatch.Report{ClientID: client.ID, Kind: dispatch.KindArtifactAttached,
		Outcomes: []dispatch.Outcome{{Channel: "discord", Status: db.DeliveryFailed, Error: "boom"}}}
	return &booking.Result{Booking: b, Notification: &report}, nil
}

func (m *MockBookings) Dashboard(ctx context.Context, client *db.ClientConnection, days int) (*booking.Dashboard, error) {
	list := make([]*db.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		list = append(list, b)
	}
	return &booking.Dashboard{Client: client, Stats: []db.DailyStat{}, Bookings: list, ActiveBookingCount: len(list)}, nil
}

func (m *MockBookings) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ingestCalls, m.eventCalls
}

// MockClients resolves clients and their active subscriptions by ID.
type MockClients struct {
	clients map[uuid.UUID]*db.ClientConnection
	subs    map[uuid.UUID]*db.WebhookSubscription
	err     error
}

func (m *MockClients) GetClient(ctx context.Context, id uuid.UUID) (*db.ClientConnection, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.clients[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (m *MockClients) GetActiveSubscription(ctx context.Context, clientID uuid.UUID, scope string) (*db.WebhookSubscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	sub, ok := m.subs[clientID]
	if !ok || sub.Scope != scope {
		return nil, db.ErrNotFound
	}
	return sub, nil
}

// MockSubscriptions records operator calls.
type MockSubscriptions struct {
	onboardErr error
	rotateErr  error
	onboarded  []uuid.UUID
	offboarded []uuid.UUID
}

func (m *MockSubscriptions) Onboard(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	if m.onboardErr != nil {
		return nil, m.onboardErr
	}
	m.onboarded = append(m.onboarded, id)
	return &db.WebhookSubscription{ID: uuid.New(), ClientID: id, Scope: db.ScopeOrganization, Active: true}, nil
}

func (m *MockSubscriptions) Offboard(ctx context.Context, id uuid.UUID) error {
	m.offboarded = append(m.offboarded, id)
	return nil
}

func (m *MockSubscriptions) Drift(ctx context.Context, id uuid.UUID) (*subscription.DriftReport, error) {
	return &subscription.DriftReport{ClientID: id, InSync: true}, nil
}

func (m *MockSubscriptions) RotateCredentials(ctx context.Context, id uuid.UUID, token, userURI, orgURI string) error {
	return m.rotateErr
}

// MockProducer captures enqueued callbacks.
type MockProducer struct {
	messages []sqs.Message
	err      error
}

func (m *MockProducer) Enqueue(ctx context.Context, msg sqs.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.messages = append(m.messages, msg)
	return "msg-1", nil
}

type testEnv struct {
	router   http.Handler
	bookings *MockBookings
	clients  *MockClients
	subs     *MockSubscriptions
	client   *db.ClientConnection
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	client := &db.ClientConnection{
		ID:                uuid.New(),
		Name:              "Acme",
		AccessToken:       "tok-acme",
		SubscriptionScope: db.ScopeOrganization,
		Active:            true,
	}
	sub := &db.WebhookSubscription{
		ID:          uuid.New(),
		ClientID:    client.ID,
		Scope:       db.ScopeOrganization,
		ProviderURI: "https://api.calendly.com/webhook_subscriptions/W1",
		SigningKey:  signingKey,
		Active:      true,
	}
	bookings := NewMockBookings()
	bookings.clients[client.AccessToken] = client
	clients := &MockClients{
		clients: map[uuid.UUID]*db.ClientConnection{client.ID: client},
		subs:    map[uuid.UUID]*db.WebhookSubscription{client.ID: sub},
	}
	subs := &MockSubscriptions{}

	opts.Now = func() time.Time { return testNow }
	h := NewHandler(zap.NewNop(), bookings, clients, subs, opts)
	router := NewRouter(h, RouterConfig{AdminKey: adminKey, Logger: zap.NewNop()})
	return &testEnv{router: router, bookings: bookings, clients: clients, subs: subs, client: client}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

const createdEvent = `{"event":"invitee.created","payload":{"uri":"https://api.calendly.com/scheduled_events/E1/invitees/I1","name":"Jane Doe","email":"jane@example.com","scheduled_event":{"name":"Intro Call","start_time":"2024-01-05T15:00:00Z"}}}`

func callbackRequest(clientID uuid.UUID, body string, signedAt time.Time, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/calendly/"+clientID.String(), bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(calendly.SignatureHeader, calendly.Sign(key, []byte(body), signedAt))
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestProviderCallback(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(*testEnv)
		request        func(*testEnv) *http.Request
		expectedStatus int
		expectedBody   string // status field for 2xx
		expectIngest   bool
	}{
		{
			name: "valid delivery is ingested",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ingested",
			expectIngest:   true,
		},
		{
			name: "tampered body is rejected",
			request: func(e *testEnv) *http.Request {
				req := callbackRequest(e.client.ID, strings.Replace(createdEvent, "Jane", "Mallory", 1), testNow, "")
				req.Header.Set(calendly.SignatureHeader, calendly.Sign(signingKey, []byte(createdEvent), testNow))
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong key is rejected",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, "other-key")
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "stale signature is rejected",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow.Add(-10*time.Minute), signingKey)
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "missing signature is rejected",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, "")
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "key of a replaced subscription is rejected",
			setup: func(e *testEnv) {
				e.clients.subs[e.client.ID].SigningKey = "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
			},
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:  "client without a subscription is rejected",
			setup: func(e *testEnv) { delete(e.clients.subs, e.client.ID) },
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:  "pending subscription verifies with its key",
			setup: func(e *testEnv) { e.clients.subs[e.client.ID].ProviderURI = "" },
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ingested",
			expectIngest:   true,
		},
		{
			name: "unknown client",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(uuid.New(), createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "malformed client id",
			request: func(e *testEnv) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/v1/hooks/calendly/not-a-uuid", bytes.NewBufferString(createdEvent))
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:  "inactive client is acknowledged without a write",
			setup: func(e *testEnv) { e.client.Active = false },
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ignored",
		},
		{
			name: "unsupported event is acknowledged",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, `{"event":"routing_form_submission.created","payload":{}}`, testNow, signingKey)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ignored",
		},
		{
			name: "malformed event",
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, `{"event":"invitee.created","payload":{}}`, testNow, signingKey)
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:  "storage failure surfaces so the provider retries",
			setup: func(e *testEnv) { e.bookings.eventErr = &db.PersistenceError{Op: "upsert booking", Err: errors.New("reset")} },
			request: func(e *testEnv) *http.Request {
				return callbackRequest(e.client.ID, createdEvent, testNow, signingKey)
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectIngest:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			if tt.setup != nil {
				tt.setup(env)
			}

			rec := env.do(tt.request(env))

			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.expectedBody != "" {
				var resp CallbackResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.expectedBody, resp.Status)
			}
			_, events := env.bookings.calls()
			assert.Equal(t, tt.expectIngest, events > 0, "ingest calls: %d", events)
		})
	}
}

func TestProviderCallback_QueuedWhenProducerConfigured(t *testing.T) {
	producer := &MockProducer{}
	env := newTestEnv(t, Options{Producer: producer})

	rec := env.do(callbackRequest(env.client.ID, createdEvent, testNow, signingKey))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	assert.Equal(t, env.client.ID, msg.ClientID)
	assert.Equal(t, calendly.EventInviteeCreated, msg.Event)
	assert.Equal(t, createdEvent, string(msg.Body))
	_, events := env.bookings.calls()
	assert.Zero(t, events, "expected no inline ingestion")
}

func newDeduper(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewIdempotencyService(redis.NewFromRedis(rdb, zap.NewNop()), zap.NewNop())
}

func TestProviderCallback_DuplicateDeliveryIsReplayed(t *testing.T) {
	env := newTestEnv(t, Options{Deduper: newDeduper(t)})

	first := env.do(callbackRequest(env.client.ID, createdEvent, testNow, signingKey))
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(callbackRequest(env.client.ID, createdEvent, testNow.Add(time.Second), signingKey))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	_, events := env.bookings.calls()
	assert.Equal(t, 1, events)
}

func TestProviderCallback_FailedDeliveryCanBeRetried(t *testing.T) {
	env := newTestEnv(t, Options{Deduper: newDeduper(t)})
	env.bookings.eventErr = &db.PersistenceError{Op: "upsert booking", Err: errors.New("reset")}

	rec := env.do(callbackRequest(env.client.ID, createdEvent, testNow, signingKey))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.bookings.eventErr = nil
	rec = env.do(callbackRequest(env.client.ID, createdEvent, testNow, signingKey))
	require.Equal(t, http.StatusOK, rec.Code, "retry")
	_, events := env.bookings.calls()
	assert.Equal(t, 2, events)
}

func authed(method, path, body, token string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestIngestBooking(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := `{"provider_event_id":"evt-1","event_time":"2024-01-05T15:00:00Z","contact_name":"Jane","event_type":"Intro"}`

	tests := []struct {
		name           string
		body           string
		token          string
		expectedStatus int
	}{
		{"missing credential", body, "", http.StatusUnauthorized},
		{"unknown token", body, "tok-unknown", http.StatusUnauthorized},
		{"malformed json", `{`, "tok-acme", http.StatusBadRequest},
		{"missing event id", `{"event_time":"2024-01-05T15:00:00Z"}`, "tok-acme", http.StatusBadRequest},
		{"new booking", body, "tok-acme", http.StatusCreated},
		{"same booking again", body, "tok-acme", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(authed(http.MethodPost, "/v1/occurrences/bookings", tt.body, tt.token))
			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				decodeError(t, rec)
			}
		})
	}
}

func TestIngestBooking_InactiveClientRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.client.Active = false

	rec := env.do(authed(http.MethodPost, "/v1/occurrences/bookings", `{"provider_event_id":"e","event_time":"2024-01-05T15:00:00Z"}`, "tok-acme"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	calls, _ := env.bookings.calls()
	assert.Zero(t, calls, "expected no write")
}

func TestAttachArtifact(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.bookings.bookings["evt-1"] = &db.Booking{ID: uuid.New(), ClientID: env.client.ID, ProviderEventID: "evt-1", State: db.StateScheduled}

	rec := env.do(authed(http.MethodPost, "/v1/occurrences/artifacts", `{"provider_event_id":"evt-1","artifact_url":"https://docs.example.com/a.pdf"}`, "tok-acme"))
	require.Equal(t, http.StatusOK, rec.Code, "failed channels still return 200: %s", rec.Body.String())
	var res booking.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.NotNil(t, res.Booking.ArtifactURL)
	assert.Equal(t, "https://docs.example.com/a.pdf", *res.Booking.ArtifactURL)
	require.NotNil(t, res.Notification)
	assert.Equal(t, 1, res.Notification.Count(db.DeliveryFailed))

	rec = env.do(authed(http.MethodPost, "/v1/occurrences/artifacts", `{"provider_event_id":"missing","artifact_url":"https://docs.example.com/a.pdf"}`, "tok-acme"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.bookings.bookings["evt-1"] = &db.Booking{ID: uuid.New(), ClientID: env.client.ID, ProviderEventID: "evt-1", State: db.StateCompleted}

	rec := env.do(authed(http.MethodGet, "/v1/dashboard?days=7", "", "tok-acme"))
	require.Equal(t, http.StatusOK, rec.Code)
	var dash booking.Dashboard
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dash))
	assert.Equal(t, 1, dash.ActiveBookingCount)
	assert.Len(t, dash.Bookings, 1)

	rec = env.do(authed(http.MethodGet, "/v1/dashboard?days=zero", "", "tok-acme"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func adminRequest(method, path, body, key string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	return req
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	base := "/v1/admin/clients/" + env.client.ID.String()

	assert.Equal(t, http.StatusUnauthorized, env.do(adminRequest(http.MethodPost, base+"/onboard", "", "")).Code, "missing key")
	assert.Equal(t, http.StatusUnauthorized, env.do(adminRequest(http.MethodPost, base+"/onboard", "", "wrong")).Code, "wrong key")
	assert.Equal(t, http.StatusBadRequest, env.do(adminRequest(http.MethodPost, "/v1/admin/clients/nope/onboard", "", adminKey)).Code, "bad id")

	assert.Equal(t, http.StatusOK, env.do(adminRequest(http.MethodPost, base+"/onboard", "", adminKey)).Code, "onboard")
	assert.Len(t, env.subs.onboarded, 1)

	env.subs.onboardErr = subscription.ErrConflict
	assert.Equal(t, http.StatusConflict, env.do(adminRequest(http.MethodPost, base+"/onboard", "", adminKey)).Code, "onboard conflict")

	env.subs.onboardErr = &calendly.APIError{Op: "create subscription", StatusCode: 401}
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(adminRequest(http.MethodPost, base+"/onboard", "", adminKey)).Code, "provider auth")

	assert.Equal(t, http.StatusOK, env.do(adminRequest(http.MethodGet, base+"/subscriptions", "", adminKey)).Code, "drift")
	assert.Equal(t, http.StatusOK, env.do(adminRequest(http.MethodPost, base+"/offboard", "", adminKey)).Code, "offboard")

	env.subs.rotateErr = db.ErrCredentialsLocked
	assert.Equal(t, http.StatusConflict, env.do(adminRequest(http.MethodPut, base+"/provider", `{"token":"new"}`, adminKey)).Code, "rotate while subscribed")
	env.subs.rotateErr = nil
	assert.Equal(t, http.StatusOK, env.do(adminRequest(http.MethodPut, base+"/provider", `{"token":"new"}`, adminKey)).Code, "rotate")
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(zap.NewNop(), env.bookings, env.clients, env.subs, Options{})
	router := NewRouter(h, RouterConfig{Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/admin/clients/"+env.client.ID.String()+"/onboard", "", "anything"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	h := NewHandler(zap.NewNop(), env.bookings, env.clients, env.subs, Options{})
	router := NewRouter(h, RouterConfig{Health: func(context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
