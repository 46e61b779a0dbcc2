package calendly

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/meetsync/internal/db"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" on every delivery.
const SignatureHeader = "Calendly-Webhook-Signature"

// DefaultTolerance bounds how old a signed delivery may be.
const DefaultTolerance = 3 * time.Minute

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("webhook signature timestamp outside tolerance")
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Event is an inbound webhook delivery.
type Event struct {
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Payload   Invitee   `json:"payload"`

	raw []byte
}

type Invitee struct {
	URI                string         `json:"uri"`
	Email              string         `json:"email"`
	Name               string         `json:"name"`
	Status             string         `json:"status"`
	TextReminderNumber string         `json:"text_reminder_number"`
	Rescheduled        bool           `json:"rescheduled"`
	ScheduledEvent     ScheduledEvent `json:"scheduled_event"`
	Cancellation       *Cancellation  `json:"cancellation,omitempty"`
}

type ScheduledEvent struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	EventType string    `json:"event_type"`
}

type Cancellation struct {
	CanceledBy string `json:"canceled_by"`
	Reason     string `json:"reason"`
}

// ParseEvent decodes a delivery body and checks the fields ingestion relies on.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Event != EventInviteeCreated && ev.Event != EventInviteeCanceled {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Event)
	}
	if ev.Payload.URI == "" {
		return nil, fmt.Errorf("%w: payload.uri is required", ErrMalformedEvent)
	}
	if ev.Payload.ScheduledEvent.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_event.start_time is required", ErrMalformedEvent)
	}
	ev.raw = append([]byte(nil), body...)
	return &ev, nil
}

// Booking converts the delivery into a booking row for clientID. The invitee
// URI is the provider event identifier: a cancellation refers to the same
// invitee as the creation it cancels.
func (e *Event) Booking(clientID uuid.UUID) *db.Booking {
	p := e.Payload
	b := &db.Booking{
		ClientID:        clientID,
		ContactName:     optional(p.Name),
		ContactEmail:    optional(p.Email),
		ContactPhone:    optional(p.TextReminderNumber),
		EventType:       p.ScheduledEvent.Name,
		EventTypeID:     lastSegment(p.ScheduledEvent.EventType),
		EventTime:       p.ScheduledEvent.StartTime.UTC(),
		ProviderEventID: p.URI,
		State:           db.StateScheduled,
		RawPayload:      e.raw,
	}
	if e.Event == EventInviteeCanceled {
		b.State = db.StateCanceled
		if p.Cancellation != nil {
			b.CancelReason = optional(p.Cancellation.Reason)
		}
	}
	return b
}

// DedupeKey identifies a delivery for idempotency: the same event type on the
// same invitee is processed once.
func (e *Event) DedupeKey() string {
	return e.Event + ":" + e.Payload.URI
}

// Sign computes the signature header value for body at t.
func Sign(key string, body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + signature(key, ts, body)
}

// VerifySignature checks header against body using key. Deliveries signed
// more than tolerance before or after now are rejected.
func VerifySignature(header string, body []byte, key string, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return ErrMissingSignature
	}

	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: header must contain t and v1", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return ErrStaleSignature
	}

	expected := signature(key, ts, body)
	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return ErrInvalidSignature
	}
	return nil
}

// NewSigningKey returns a random hex key for a new subscription.
func NewSigningKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func signature(key, ts string, body []byte) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func lastSegment(uri string) string {
	if uri == "" {
		return ""
	}
	return path.Base(strings.TrimRight(uri, "/"))
}
