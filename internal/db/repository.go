package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

// Repository handles database operations for clients, bookings and subscriptions
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

const clientColumns = `
	id, name, access_token, calendly_token, calendly_user_uri, calendly_org_uri,
	subscription_scope, active, discord_webhook_url,
	slack_bot_token, slack_channel_id, sns_topic_arn, timezone, created_at, updated_at`

func scanClient(row scanner) (*ClientConnection, error) {
	var c ClientConnection
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.AccessToken,
		&c.CalendlyToken,
		&c.CalendlyUserURI,
		&c.CalendlyOrgURI,
		&c.SubscriptionScope,
		&c.Active,
		&c.DiscordWebhookURL,
		&c.SlackBotToken,
		&c.SlackChannelID,
		&c.SNSTopicARN,
		&c.Timezone,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const bookingColumns = `
	id, client_id, contact_name, contact_email, contact_phone, event_type,
	event_type_id, event_time, provider_event_id, state, artifact_url,
	cancel_reason, raw_payload, created_at, updated_at`

func scanBooking(row scanner) (*Booking, error) {
	var b Booking
	err := row.Scan(
		&b.ID,
		&b.ClientID,
		&b.ContactName,
		&b.ContactEmail,
		&b.ContactPhone,
		&b.EventType,
		&b.EventTypeID,
		&b.EventTime,
		&b.ProviderEventID,
		&b.State,
		&b.ArtifactURL,
		&b.CancelReason,
		&b.RawPayload,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetClient retrieves a client connection by ID
func (r *Repository) GetClient(ctx context.Context, id uuid.UUID) (*ClientConnection, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`

	c, err := scanClient(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("query client", err)
	}

	return c, nil
}

// GetClientByAccessToken resolves a client-scoped credential to its client.
func (r *Repository) GetClientByAccessToken(ctx context.Context, token string) (*ClientConnection, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE access_token = $1`

	c, err := scanClient(r.db.Pool().QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client for token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("query client by token", err)
	}

	return c, nil
}

// SetClientActive flips the active flag used by onboarding and offboarding.
func (r *Repository) SetClientActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE clients SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return persistErr("update client active", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}

	r.logger.Info("client active flag updated",
		zap.String("client_id", id.String()),
		zap.Bool("active", active),
	)
	return nil
}

// UpdateProviderCredentials replaces the provider token and identifiers.
// It refuses while an active subscription exists, since the subscription
// was created against the current values.
func (r *Repository) UpdateProviderCredentials(ctx context.Context, id uuid.UUID, token, userURI, orgURI string) error {
	query := `
		UPDATE clients
		SET calendly_token = $1, calendly_user_uri = $2, calendly_org_uri = $3, updated_at = NOW()
		WHERE id = $4
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_subscriptions WHERE client_id = $4 AND active
		  )
	`

	result, err := r.db.Pool().Exec(ctx, query, token, userURI, orgURI, id)
	if err != nil {
		return persistErr("update provider credentials", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetClient(ctx, id); err != nil {
		return err
	}
	return ErrCredentialsLocked
}

// UpsertBooking inserts or replaces a booking keyed by (client_id, provider_event_id).
// The state column only changes while the stored booking is still scheduled,
// so a replayed event cannot move a completed or canceled booking back.
// artifact_url is owned by AttachArtifact and never touched here.
//
// An existing row is locked before it is read, so PreviousState is the state
// this call replaced even when two deliveries of the same event overlap.
func (r *Repository) UpsertBooking(ctx context.Context, b *Booking) (UpsertResult, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.State == "" {
		b.State = StateScheduled
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return UpsertResult{}, persistErr("begin upsert booking", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := upsertBooking(ctx, tx, b)
	if err != nil {
		r.logger.Error("failed to upsert booking",
			zap.Error(err),
			zap.String("client_id", b.ClientID.String()),
			zap.String("provider_event_id", b.ProviderEventID),
		)
		return UpsertResult{}, persistErr("upsert booking", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, persistErr("commit upsert booking", err)
	}

	r.logger.Info("booking upserted",
		zap.String("booking_id", b.ID.String()),
		zap.String("client_id", b.ClientID.String()),
		zap.String("state", b.State),
		zap.Bool("inserted", res.Inserted),
	)

	return res, nil
}

func upsertBooking(ctx context.Context, tx pgx.Tx, b *Booking) (UpsertResult, error) {
	// a conflicting insert waits for the other transaction, so the row is
	// visible to the locking read below once this returns no rows
	insertQuery := `
		INSERT INTO bookings (
			id, client_id, contact_name, contact_email, contact_phone,
			event_type, event_type_id, event_time, provider_event_id,
			state, cancel_reason, raw_payload
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (client_id, provider_event_id) DO NOTHING
		RETURNING artifact_url, created_at, updated_at
	`

	err := tx.QueryRow(ctx, insertQuery,
		b.ID,
		b.ClientID,
		b.ContactName,
		b.ContactEmail,
		b.ContactPhone,
		b.EventType,
		b.EventTypeID,
		b.EventTime,
		b.ProviderEventID,
		b.State,
		b.CancelReason,
		b.RawPayload,
	).Scan(&b.ArtifactURL, &b.CreatedAt, &b.UpdatedAt)
	if err == nil {
		return UpsertResult{Inserted: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return UpsertResult{}, fmt.Errorf("insert booking: %w", err)
	}

	var res UpsertResult
	err = tx.QueryRow(ctx,
		`SELECT state FROM bookings WHERE client_id = $1 AND provider_event_id = $2 FOR UPDATE`,
		b.ClientID, b.ProviderEventID,
	).Scan(&res.PreviousState)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("lock booking: %w", err)
	}

	updateQuery := `
		UPDATE bookings SET
			contact_name  = $3,
			contact_email = $4,
			contact_phone = $5,
			event_type    = $6,
			event_type_id = $7,
			event_time    = $8,
			raw_payload   = $9,
			state         = CASE WHEN state = 'scheduled' THEN $10 ELSE state END,
			cancel_reason = CASE WHEN state = 'scheduled' THEN $11 ELSE cancel_reason END,
			updated_at    = NOW()
		WHERE client_id = $1 AND provider_event_id = $2
		RETURNING id, state, cancel_reason, artifact_url, created_at, updated_at
	`

	err = tx.QueryRow(ctx, updateQuery,
		b.ClientID,
		b.ProviderEventID,
		b.ContactName,
		b.ContactEmail,
		b.ContactPhone,
		b.EventType,
		b.EventTypeID,
		b.EventTime,
		b.RawPayload,
		b.State,
		b.CancelReason,
	).Scan(
		&b.ID,
		&b.State,
		&b.CancelReason,
		&b.ArtifactURL,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("update booking: %w", err)
	}
	return res, nil
}

// GetBooking retrieves a booking owned by the given client
func (r *Repository) GetBooking(ctx context.Context, clientID, id uuid.UUID) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE client_id = $1 AND id = $2`

	b, err := scanBooking(r.db.Pool().QueryRow(ctx, query, clientID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("query booking", err)
	}
	return b, nil
}

// GetBookingByProviderEvent retrieves a booking by its provider event identifier
func (r *Repository) GetBookingByProviderEvent(ctx context.Context, clientID uuid.UUID, providerEventID string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE client_id = $1 AND provider_event_id = $2`

	b, err := scanBooking(r.db.Pool().QueryRow(ctx, query, clientID, providerEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", providerEventID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("query booking by provider event", err)
	}
	return b, nil
}

// ListBookings returns a client's bookings, newest event time first.
// A nil since returns the full history.
func (r *Repository) ListBookings(ctx context.Context, clientID uuid.UUID, since *time.Time) ([]*Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE client_id = $1 AND ($2::timestamptz IS NULL OR event_time >= $2)
		ORDER BY event_time DESC, id
	`

	rows, err := r.db.Pool().Query(ctx, query, clientID, since)
	if err != nil {
		return nil, persistErr("query bookings", err)
	}
	defer rows.Close()

	var bookings []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, persistErr("scan booking", err)
		}
		bookings = append(bookings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate bookings", err)
	}

	return bookings, nil
}

// CountBookings counts every booking of a client regardless of state.
func (r *Repository) CountBookings(ctx context.Context, clientID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM bookings WHERE client_id = $1`, clientID).Scan(&count)
	if err != nil {
		return 0, persistErr("count bookings", err)
	}
	return count, nil
}

// CompleteBookings moves the given scheduled bookings whose event time is
// before now to completed. Bookings in any other state are left alone.
func (r *Repository) CompleteBookings(ctx context.Context, clientID uuid.UUID, ids []uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := `
		UPDATE bookings
		SET state = 'completed', updated_at = NOW()
		WHERE client_id = $1 AND id = ANY($2::uuid[]) AND state = 'scheduled' AND event_time < $3
	`

	result, err := r.db.Pool().Exec(ctx, query, clientID, strIDs, now)
	if err != nil {
		return 0, persistErr("complete bookings", err)
	}
	return result.RowsAffected(), nil
}

// CompleteElapsed completes every scheduled booking of every client whose
// event time is before now. Used by the periodic sweep.
func (r *Repository) CompleteElapsed(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE bookings
		SET state = 'completed', updated_at = NOW()
		WHERE state = 'scheduled' AND event_time < $1
	`, now)
	if err != nil {
		return 0, persistErr("complete elapsed bookings", err)
	}
	return result.RowsAffected(), nil
}

// AttachArtifact sets the artifact reference of a booking.
func (r *Repository) AttachArtifact(ctx context.Context, clientID, bookingID uuid.UUID, url string) (*Booking, error) {
	query := `
		UPDATE bookings SET artifact_url = $1, updated_at = NOW()
		WHERE client_id = $2 AND id = $3
		RETURNING ` + bookingColumns

	b, err := scanBooking(r.db.Pool().QueryRow(ctx, query, url, clientID, bookingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("attach artifact", err)
	}

	r.logger.Info("artifact attached",
		zap.String("booking_id", bookingID.String()),
		zap.String("client_id", clientID.String()),
	)
	return b, nil
}

const subscriptionColumns = `id, client_id, scope, provider_uri, callback_url, signing_key, active, created_at, deactivated_at`

func scanSubscription(row scanner) (*WebhookSubscription, error) {
	var s WebhookSubscription
	if err := row.Scan(
		&s.ID,
		&s.ClientID,
		&s.Scope,
		&s.ProviderURI,
		&s.CallbackURL,
		&s.SigningKey,
		&s.Active,
		&s.CreatedAt,
		&s.DeactivatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveSubscription returns the active subscription for a client and scope
func (r *Repository) GetActiveSubscription(ctx context.Context, clientID uuid.UUID, scope string) (*WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE client_id = $1 AND scope = $2 AND active`

	s, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, clientID, scope))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription for client %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("query subscription", err)
	}
	return s, nil
}

// CreateSubscription records a subscription as active. With an empty
// ProviderURI the row is a pending registration that still claims the
// client's scope, so a concurrent subscribe gets ErrSubscriptionExists.
func (r *Repository) CreateSubscription(ctx context.Context, s *WebhookSubscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_subscriptions (id, client_id, scope, provider_uri, callback_url, signing_key, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING active, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, s.ID, s.ClientID, s.Scope, s.ProviderURI, s.CallbackURL, s.SigningKey).
		Scan(&s.Active, &s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrSubscriptionExists
		}
		return persistErr("insert subscription", err)
	}

	r.logger.Info("subscription recorded",
		zap.String("client_id", s.ClientID.String()),
		zap.String("scope", s.Scope),
		zap.String("provider_uri", s.ProviderURI),
	)
	return nil
}

// SetSubscriptionURI stores the provider handle of a pending subscription.
func (r *Repository) SetSubscriptionURI(ctx context.Context, id uuid.UUID, providerURI string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE webhook_subscriptions SET provider_uri = $1 WHERE id = $2 AND active`, providerURI, id)
	if err != nil {
		return persistErr("update subscription uri", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSubscription removes a subscription row outright. It is only used
// for pending registrations the provider never confirmed.
func (r *Repository) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id); err != nil {
		return persistErr("delete subscription", err)
	}
	return nil
}

// DeactivateSubscription marks a local subscription inactive.
func (r *Repository) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_subscriptions SET active = FALSE, deactivated_at = NOW()
		WHERE id = $1 AND active
	`, id)
	if err != nil {
		return persistErr("deactivate subscription", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDailyStats returns a client's daily aggregates from since onwards, oldest first.
func (r *Repository) ListDailyStats(ctx context.Context, clientID uuid.UUID, since time.Time) ([]DailyStat, error) {
	query := `
		SELECT day, emails_sent, replies, positive_replies, meetings_booked
		FROM client_daily_stats
		WHERE client_id = $1 AND day >= $2::date
		ORDER BY day ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, clientID, since)
	if err != nil {
		return nil, persistErr("query daily stats", err)
	}
	defer rows.Close()

	stats := []DailyStat{}
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.Day, &s.EmailsSent, &s.Replies, &s.PositiveReplies, &s.MeetingsBooked); err != nil {
			return nil, persistErr("scan daily stat", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate daily stats", err)
	}
	return stats, nil
}

// RecordDelivery stores the outcome of one channel send.
func (r *Repository) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	query := `
		INSERT INTO notification_deliveries (
			id, client_id, booking_id, kind, channel, status, error, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.ClientID,
		d.BookingID,
		d.Kind,
		d.Channel,
		d.Status,
		d.Error,
		d.DurationMS,
	).Scan(&d.CreatedAt)
	if err != nil {
		return persistErr("insert delivery", err)
	}
	return nil
}
