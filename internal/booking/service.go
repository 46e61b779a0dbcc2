// Package booking owns the booking write and read paths: validated
// ingestion from the API and the provider webhook, artifact attachment, and
// the reconciled dashboard read. Notification is a side effect of each write
// and never decides its outcome.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/calendly"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/dispatch"
	"github.com/lalithlochan/meetsync/internal/metrics"
)

var (
	// ErrInvalidCredential means the access token does not resolve to exactly
	// one active client.
	ErrInvalidCredential = errors.New("invalid client credential")
	// ErrInvalidInput wraps every validation failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrClientInactive is returned when a provider event arrives for a
	// deactivated client; nothing is written.
	ErrClientInactive = errors.New("client is inactive")
)

// Ingestion sources, used as metric labels.
const (
	SourceAPI      = "api"
	SourceProvider = "provider"
)

const maxDashboardDays = 365

// Store is the persistence the service depends on.
type Store interface {
	BookingStore
	GetClient(ctx context.Context, id uuid.UUID) (*db.ClientConnection, error)
	GetClientByAccessToken(ctx context.Context, token string) (*db.ClientConnection, error)
	UpsertBooking(ctx context.Context, b *db.Booking) (db.UpsertResult, error)
	GetBookingByProviderEvent(ctx context.Context, clientID uuid.UUID, providerEventID string) (*db.Booking, error)
	AttachArtifact(ctx context.Context, clientID, bookingID uuid.UUID, url string) (*db.Booking, error)
	CountBookings(ctx context.Context, clientID uuid.UUID) (int, error)
	ListDailyStats(ctx context.Context, clientID uuid.UUID, since time.Time) ([]db.DailyStat, error)
}

// Notifier fans an occurrence out to the client's channels.
type Notifier interface {
	Dispatch(ctx context.Context, occ dispatch.Occurrence) dispatch.Report
}

type Service struct {
	store      Store
	notifier   Notifier
	reconciler *Reconciler
	clock      Clock
	logger     *zap.Logger
}

func NewService(store Store, notifier Notifier, clock Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		store:      store,
		notifier:   notifier,
		reconciler: NewReconciler(store, clock, logger),
		clock:      clock,
		logger:     logger,
	}
}

// BookingInput is an occurrence payload from the inbound trigger.
type BookingInput struct {
	ProviderEventID string          `json:"provider_event_id"`
	EventTime       time.Time       `json:"event_time"`
	ContactName     *string         `json:"contact_name,omitempty"`
	ContactEmail    *string         `json:"contact_email,omitempty"`
	ContactPhone    *string         `json:"contact_phone,omitempty"`
	EventType       string          `json:"event_type"`
	EventTypeID     string          `json:"event_type_id"`
	State           string          `json:"state,omitempty"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
}

// Validate checks the fields an upsert requires.
func (in BookingInput) Validate() error {
	if strings.TrimSpace(in.ProviderEventID) == "" {
		return fmt.Errorf("%w: provider_event_id is required", ErrInvalidInput)
	}
	if in.EventTime.IsZero() {
		return fmt.Errorf("%w: event_time is required", ErrInvalidInput)
	}
	switch in.State {
	case "", db.StateScheduled, db.StateCanceled:
	default:
		return fmt.Errorf("%w: state must be %q or %q", ErrInvalidInput, db.StateScheduled, db.StateCanceled)
	}
	return nil
}

func (in BookingInput) booking(clientID uuid.UUID) *db.Booking {
	state := in.State
	if state == "" {
		state = db.StateScheduled
	}
	return &db.Booking{
		ClientID:        clientID,
		ContactName:     in.ContactName,
		ContactEmail:    in.ContactEmail,
		ContactPhone:    in.ContactPhone,
		EventType:       in.EventType,
		EventTypeID:     in.EventTypeID,
		EventTime:       in.EventTime.UTC(),
		ProviderEventID: strings.TrimSpace(in.ProviderEventID),
		State:           state,
		CancelReason:    in.CancelReason,
		RawPayload:      in.RawPayload,
	}
}

// ArtifactInput binds an artifact reference to an existing booking, addressed
// by booking ID or provider event ID.
type ArtifactInput struct {
	BookingID       *uuid.UUID `json:"booking_id,omitempty"`
	ProviderEventID string     `json:"provider_event_id,omitempty"`
	ArtifactURL     string     `json:"artifact_url"`
}

func (in ArtifactInput) Validate() error {
	if in.BookingID == nil && strings.TrimSpace(in.ProviderEventID) == "" {
		return fmt.Errorf("%w: booking_id or provider_event_id is required", ErrInvalidInput)
	}
	u, err := url.Parse(in.ArtifactURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: artifact_url must be an absolute http(s) URL", ErrInvalidInput)
	}
	return nil
}

// Result is the outcome of a write. Notification is nil when the write did
// not produce an occurrence.
type Result struct {
	Booking      *db.Booking      `json:"booking"`
	Inserted     bool             `json:"inserted"`
	Notification *dispatch.Report `json:"notification,omitempty"`
}

// Dashboard is the client-facing read model.
type Dashboard struct {
	Client             *db.ClientConnection `json:"client"`
	Stats              []db.DailyStat       `json:"stats"`
	Bookings           []*db.Booking        `json:"bookings"`
	ActiveBookingCount int                  `json:"active_booking_count"`
}

// Authenticate resolves an access token to exactly one active client.
func (s *Service) Authenticate(ctx context.Context, token string) (*db.ClientConnection, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidCredential
	}

	client, err := s.store.GetClientByAccessToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, fmt.Errorf("%w: client deactivated", ErrInvalidCredential)
	}
	return client, nil
}

// Ingest upserts a booking for an authenticated client and notifies on a new
// booking or on a cancellation of a scheduled one.
func (s *Service) Ingest(ctx context.Context, client *db.ClientConnection, in BookingInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	b := in.booking(client.ID)
	if len(b.RawPayload) == 0 {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode raw payload: %w", err)
		}
		b.RawPayload = raw
	}
	return s.upsert(ctx, b, SourceAPI)
}

// IngestEvent stores a verified provider delivery for clientID.
func (s *Service) IngestEvent(ctx context.Context, clientID uuid.UUID, ev *calendly.Event) (*Result, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		metrics.RecordProviderEvent(ev.Event, "ignored")
		return nil, ErrClientInactive
	}

	res, err := s.upsert(ctx, ev.Booking(client.ID), SourceProvider)
	if err != nil {
		metrics.RecordProviderEvent(ev.Event, "failed")
		return nil, err
	}
	metrics.RecordProviderEvent(ev.Event, "ingested")
	return res, nil
}

func (s *Service) upsert(ctx context.Context, b *db.Booking, source string) (*Result, error) {
	requested := b.State

	res, err := s.store.UpsertBooking(ctx, b)
	if err != nil {
		return nil, err
	}
	metrics.RecordBookingIngested(source, res.Inserted)

	out := &Result{Booking: b, Inserted: res.Inserted}

	kind := occurrenceKind(requested, res, b.State)
	if kind == "" {
		return out, nil
	}
	report := s.notifier.Dispatch(ctx, dispatch.Occurrence{Kind: kind, ClientID: b.ClientID, Booking: b})
	out.Notification = &report
	return out, nil
}

// occurrenceKind decides whether an upsert is notification-worthy. Replays
// of an already-known booking are silent.
func occurrenceKind(requested string, res db.UpsertResult, stored string) string {
	switch {
	case res.Inserted && stored == db.StateCanceled:
		return dispatch.KindBookingCanceled
	case res.Inserted:
		return dispatch.KindBookingCreated
	case requested == db.StateCanceled && res.PreviousState == db.StateScheduled && stored == db.StateCanceled:
		return dispatch.KindBookingCanceled
	default:
		return ""
	}
}

// AttachArtifact records an artifact reference and notifies. The attach
// succeeds even when every channel fails.
func (s *Service) AttachArtifact(ctx context.Context, client *db.ClientConnection, in ArtifactInput) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var bookingID uuid.UUID
	if in.BookingID != nil {
		bookingID = *in.BookingID
	} else {
		existing, err := s.store.GetBookingByProviderEvent(ctx, client.ID, strings.TrimSpace(in.ProviderEventID))
		if err != nil {
			return nil, err
		}
		bookingID = existing.ID
	}

	b, err := s.store.AttachArtifact(ctx, client.ID, bookingID, in.ArtifactURL)
	if err != nil {
		return nil, err
	}

	report := s.notifier.Dispatch(ctx, dispatch.Occurrence{
		Kind:        dispatch.KindArtifactAttached,
		ClientID:    client.ID,
		Booking:     b,
		ArtifactURL: in.ArtifactURL,
	})
	if report.Count(db.DeliveryFailed) > 0 {
		s.logger.Warn("artifact attached with failed notifications",
			zap.String("client_id", client.ID.String()),
			zap.String("booking_id", b.ID.String()),
			zap.Int("failed", report.Count(db.DeliveryFailed)),
		)
	}
	return &Result{Booking: b, Notification: &report}, nil
}

// Dashboard returns the client summary, daily stats for the last days, the
// full reconciled booking list, and the total booking count.
func (s *Service) Dashboard(ctx context.Context, client *db.ClientConnection, days int) (*Dashboard, error) {
	if days <= 0 {
		days = 30
	}
	if days > maxDashboardDays {
		days = maxDashboardDays
	}
	since := s.clock.Now().UTC().AddDate(0, 0, -days)

	stats, err := s.store.ListDailyStats(ctx, client.ID, since)
	if err != nil {
		return nil, err
	}

	bookings, err := s.reconciler.Bookings(ctx, client.ID, nil)
	if err != nil {
		return nil, err
	}

	count, err := s.store.CountBookings(ctx, client.ID)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		Client:             client,
		Stats:              stats,
		Bookings:           bookings,
		ActiveBookingCount: count,
	}, nil
}
