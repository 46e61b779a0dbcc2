// Package api is the HTTP surface: the provider callback, the client
// occurrence and dashboard endpoints, and the operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/booking"
	"github.com/lalithlochan/meetsync/internal/calendly"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/metrics"
	"github.com/lalithlochan/meetsync/internal/redis"
	"github.com/lalithlochan/meetsync/internal/sqs"
	"github.com/lalithlochan/meetsync/internal/subscription"
)

const maxBodyBytes = 1 << 20

type BookingService interface {
	Authenticator
	Ingest(ctx context.Context, client *db.ClientConnection, in booking.BookingInput) (*booking.Result, error)
	IngestEvent(ctx context.Context, clientID uuid.UUID, ev *calendly.Event) (*booking.Result, error)
	AttachArtifact(ctx context.Context, client *db.ClientConnection, in booking.ArtifactInput) (*booking.Result, error)
	Dashboard(ctx context.Context, client *db.ClientConnection, days int) (*booking.Dashboard, error)
}

type ClientStore interface {
	GetClient(ctx context.Context, id uuid.UUID) (*db.ClientConnection, error)
	GetActiveSubscription(ctx context.Context, clientID uuid.UUID, scope string) (*db.WebhookSubscription, error)
}

type SubscriptionManager interface {
	Onboard(ctx context.Context, clientID uuid.UUID) (*db.WebhookSubscription, error)
	Offboard(ctx context.Context, clientID uuid.UUID) error
	Drift(ctx context.Context, clientID uuid.UUID) (*subscription.DriftReport, error)
	RotateCredentials(ctx context.Context, clientID uuid.UUID, token, userURI, orgURI string) error
}

// Deduper remembers processed callback deliveries.
type Deduper interface {
	CheckOrReserve(ctx context.Context, clientID, key string) (*redis.DeliveryResult, error)
	Store(ctx context.Context, clientID, key string, result *redis.DeliveryResult, ttl time.Duration) error
	Release(ctx context.Context, clientID, key string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg sqs.Message) (string, error)
}

// ErrorResponse is an application/problem+json body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CallbackResponse is returned to the provider.
type CallbackResponse struct {
	Status    string `json:"status"`
	BookingID string `json:"booking_id,omitempty"`
}

// Options holds the optional collaborators; nil fields disable the feature.
type Options struct {
	Deduper   Deduper
	Producer  Enqueuer
	Tolerance time.Duration
	Now       func() time.Time
}

type Handler struct {
	logger   *zap.Logger
	bookings BookingService
	clients  ClientStore
	subs     SubscriptionManager
	opts     Options
}

func NewHandler(logger *zap.Logger, bookings BookingService, clients ClientStore, subs SubscriptionManager, opts Options) *Handler {
	if opts.Tolerance <= 0 {
		opts.Tolerance = calendly.DefaultTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{logger: logger, bookings: bookings, clients: clients, subs: subs, opts: opts}
}

// ProviderCallback handles POST /v1/hooks/calendly/{clientID}.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID, err := uuid.Parse(chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Unknown client", "")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Unreadable body", err.Error())
		return
	}

	client, err := h.clients.GetClient(ctx, clientID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	log := h.logger.With(zap.String("client_id", clientID.String()))

	// deliveries are signed with the key of the subscription that produced them
	sub, err := h.clients.GetActiveSubscription(ctx, clientID, client.SubscriptionScope)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		h.writeServiceError(w, err)
		return
	}
	if sub == nil || sub.SigningKey == "" {
		metrics.RecordProviderEvent("unknown", "rejected")
		writeError(w, http.StatusUnauthorized, "unauthorized", "No active subscription", "")
		return
	}
	sig := r.Header.Get(calendly.SignatureHeader)
	if err := calendly.VerifySignature(sig, body, sub.SigningKey, h.opts.Now(), h.opts.Tolerance); err != nil {
		log.Warn("rejected provider callback", zap.Error(err))
		metrics.RecordProviderEvent("unknown", "rejected")
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Signature verification failed", err.Error())
		return
	}

	ev, err := calendly.ParseEvent(body)
	if errors.Is(err, calendly.ErrUnsupportedEvent) {
		metrics.RecordProviderEvent("unsupported", "ignored")
		writeJSON(w, http.StatusOK, CallbackResponse{Status: "ignored"})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed event", err.Error())
		return
	}

	if !client.Active {
		metrics.RecordProviderEvent(ev.Event, "ignored")
		writeJSON(w, http.StatusOK, CallbackResponse{Status: "ignored"})
		return
	}

	key := ev.DedupeKey()
	dedupe := h.opts.Deduper
	if dedupe != nil {
		cached, err := dedupe.CheckOrReserve(ctx, clientID.String(), key)
		switch {
		case errors.Is(err, redis.ErrInFlight):
			writeError(w, http.StatusConflict, "duplicate_request", "Delivery is already being processed", "")
			return
		case err != nil:
			log.Warn("delivery dedupe check failed, proceeding", zap.Error(err))
			dedupe = nil
		case cached != nil:
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, CallbackResponse{Status: cached.Status, BookingID: cached.BookingID})
			return
		}
	}

	status, resp, err := h.handleEvent(ctx, clientID, ev, body)
	if err != nil {
		if dedupe != nil {
			if rerr := dedupe.Release(context.WithoutCancel(ctx), clientID.String(), key); rerr != nil {
				log.Warn("failed to release delivery lock", zap.Error(rerr))
			}
		}
		log.Error("failed to process provider callback", zap.String("event", ev.Event), zap.Error(err))
		h.writeServiceError(w, err)
		return
	}

	if dedupe != nil {
		result := &redis.DeliveryResult{Status: resp.Status, BookingID: resp.BookingID, StatusCode: status}
		if err := dedupe.Store(context.WithoutCancel(ctx), clientID.String(), key, result, redis.DeliveryTTL); err != nil {
			log.Warn("failed to store delivery result", zap.Error(err))
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleEvent(ctx context.Context, clientID uuid.UUID, ev *calendly.Event, body []byte) (int, CallbackResponse, error) {
	if h.opts.Producer != nil {
		msgID, err := h.opts.Producer.Enqueue(ctx, sqs.Message{
			ClientID:  clientID,
			Event:     ev.Event,
			DedupeKey: ev.DedupeKey(),
			Body:      body,
		})
		if err != nil {
			return 0, CallbackResponse{}, err
		}
		h.logger.Debug("provider callback queued",
			zap.String("client_id", clientID.String()),
			zap.String("sqs_message_id", msgID),
		)
		metrics.RecordProviderEvent(ev.Event, "queued")
		return http.StatusAccepted, CallbackResponse{Status: "queued"}, nil
	}

	res, err := h.bookings.IngestEvent(ctx, clientID, ev)
	if errors.Is(err, booking.ErrClientInactive) {
		return http.StatusOK, CallbackResponse{Status: "ignored"}, nil
	}
	if err != nil {
		return 0, CallbackResponse{}, err
	}
	return http.StatusOK, CallbackResponse{Status: "ingested", BookingID: res.Booking.ID.String()}, nil
}

// IngestBooking handles POST /v1/occurrences/bookings.
func (h *Handler) IngestBooking(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())

	var in booking.BookingInput
	if !decode(w, r, &in) {
		return
	}

	res, err := h.bookings.Ingest(r.Context(), client, in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("booking ingested",
		zap.String("client_id", client.ID.String()),
		zap.String("booking_id", res.Booking.ID.String()),
		zap.Bool("inserted", res.Inserted),
	)

	status := http.StatusOK
	if res.Inserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// AttachArtifact handles POST /v1/occurrences/artifacts.
func (h *Handler) AttachArtifact(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())

	var in booking.ArtifactInput
	if !decode(w, r, &in) {
		return
	}

	res, err := h.bookings.AttachArtifact(r.Context(), client, in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Dashboard handles GET /v1/dashboard?days=30.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())

	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid days", "days must be a positive integer")
			return
		}
		days = d
	}

	dash, err := h.bookings.Dashboard(r.Context(), client, days)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// Onboard handles POST /v1/admin/clients/{id}/onboard.
func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	id, ok := clientParam(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.Onboard(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.logger.Info("client onboarded", zap.String("client_id", id.String()))
	writeJSON(w, http.StatusOK, sub)
}

// Offboard handles POST /v1/admin/clients/{id}/offboard.
func (h *Handler) Offboard(w http.ResponseWriter, r *http.Request) {
	id, ok := clientParam(w, r)
	if !ok {
		return
	}
	if err := h.subs.Offboard(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.logger.Info("client offboarded", zap.String("client_id", id.String()))
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "offboarded"})
}

// Subscriptions handles GET /v1/admin/clients/{id}/subscriptions.
func (h *Handler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	id, ok := clientParam(w, r)
	if !ok {
		return
	}
	report, err := h.subs.Drift(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ProviderCredentials is the body of PUT /v1/admin/clients/{id}/provider.
type ProviderCredentials struct {
	Token   string `json:"token"`
	UserURI string `json:"user_uri,omitempty"`
	OrgURI  string `json:"org_uri,omitempty"`
}

// UpdateProvider handles PUT /v1/admin/clients/{id}/provider.
func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := clientParam(w, r)
	if !ok {
		return
	}
	var req ProviderCredentials
	if !decode(w, r, &req) {
		return
	}
	if err := h.subs.RotateCredentials(r.Context(), id, req.Token, req.UserURI, req.OrgURI); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "updated"})
}

func clientParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid client ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

// writeServiceError maps the domain error taxonomy onto problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *calendly.APIError
	switch {
	case errors.Is(err, booking.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid input", err.Error())
	case errors.Is(err, booking.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid credential", "")
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Not found", err.Error())
	case errors.Is(err, subscription.ErrConflict),
		errors.Is(err, calendly.ErrConflict),
		errors.Is(err, db.ErrCredentialsLocked),
		errors.Is(err, db.ErrSubscriptionExists):
		writeError(w, http.StatusConflict, "conflict", "Conflict", err.Error())
	case errors.Is(err, calendly.ErrAuth):
		writeError(w, http.StatusUnprocessableEntity, "provider_auth", "Provider credentials rejected", err.Error())
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, "provider_error", "Provider request failed", err.Error())
	case errors.Is(err, db.ErrPersistence):
		writeError(w, http.StatusServiceUnavailable, "persistence_error", "Storage unavailable", "")
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
