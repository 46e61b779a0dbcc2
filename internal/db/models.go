package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Booking lifecycle states
const (
	StateScheduled = "scheduled"
	StateCompleted = "completed"
	StateCanceled  = "canceled"
)

// Subscription scopes
const (
	ScopeUser         = "user"
	ScopeOrganization = "organization"
)

// Delivery status constants
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// ClientConnection is one onboarded client and its channel configuration.
type ClientConnection struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	AccessToken       string    `json:"-"`
	CalendlyToken     string    `json:"-"`
	CalendlyUserURI   string    `json:"calendly_user_uri"`
	CalendlyOrgURI    string    `json:"calendly_org_uri"`
	SubscriptionScope string    `json:"subscription_scope"`
	Active            bool      `json:"active"`
	DiscordWebhookURL *string   `json:"-"`
	SlackBotToken     *string   `json:"-"`
	SlackChannelID    *string   `json:"slack_channel_id,omitempty"`
	SNSTopicARN       *string   `json:"sns_topic_arn,omitempty"`
	Timezone          string    `json:"timezone"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ScopeURI returns the provider URI the client's subscription is registered against.
func (c *ClientConnection) ScopeURI() string {
	if c.SubscriptionScope == ScopeOrganization {
		return c.CalendlyOrgURI
	}
	return c.CalendlyUserURI
}

// Booking is one scheduling event owned by a client.
type Booking struct {
	ID              uuid.UUID       `json:"id"`
	ClientID        uuid.UUID       `json:"client_id"`
	ContactName     *string         `json:"contact_name,omitempty"`
	ContactEmail    *string         `json:"contact_email,omitempty"`
	ContactPhone    *string         `json:"contact_phone,omitempty"`
	EventType       string          `json:"event_type"`
	EventTypeID     string          `json:"event_type_id"`
	EventTime       time.Time       `json:"event_time"`
	ProviderEventID string          `json:"provider_event_id"`
	State           string          `json:"state"`
	ArtifactURL     *string         `json:"artifact_url,omitempty"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
	RawPayload      json.RawMessage `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// UpsertResult reports what an upsert did to the stored row.
type UpsertResult struct {
	Inserted      bool
	PreviousState string // empty when Inserted
}

// WebhookSubscription is the local cache of a provider-side subscription.
// ProviderURI is empty while the registration is pending.
type WebhookSubscription struct {
	ID            uuid.UUID  `json:"id"`
	ClientID      uuid.UUID  `json:"client_id"`
	Scope         string     `json:"scope"`
	ProviderURI   string     `json:"provider_uri"`
	CallbackURL   string     `json:"callback_url"`
	SigningKey    string     `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// DailyStat is one day of campaign aggregates for a client.
type DailyStat struct {
	Day             time.Time `json:"day"`
	EmailsSent      int       `json:"emails_sent"`
	Replies         int       `json:"replies"`
	PositiveReplies int       `json:"positive_replies"`
	MeetingsBooked  int       `json:"meetings_booked"`
}

// Delivery records the outcome of one channel send.
type Delivery struct {
	ID         uuid.UUID  `json:"id"`
	ClientID   uuid.UUID  `json:"client_id"`
	BookingID  *uuid.UUID `json:"booking_id,omitempty"`
	Kind       string     `json:"kind"`
	Channel    string     `json:"channel"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}
