// Package subscription keeps the provider's webhook registrations in sync
// with active clients. It runs out of band, from the admin endpoints, during
// onboarding and offboarding.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/calendly"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/metrics"
)

// ErrConflict is returned when a subscription already exists for the
// client's scope; the caller must unsubscribe first.
var ErrConflict = errors.New("subscription already exists for scope")

// Provider is the scheduling provider's subscription API.
type Provider interface {
	CreateSubscription(ctx context.Context, token string, req calendly.CreateSubscriptionRequest) (*calendly.Subscription, error)
	ListSubscriptions(ctx context.Context, token string, scope calendly.Scope) ([]calendly.Subscription, error)
	DeleteSubscription(ctx context.Context, token, uri string) error
	CurrentUser(ctx context.Context, token string) (*calendly.User, error)
}

type Store interface {
	GetClient(ctx context.Context, id uuid.UUID) (*db.ClientConnection, error)
	SetClientActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdateProviderCredentials(ctx context.Context, id uuid.UUID, token, userURI, orgURI string) error
	GetActiveSubscription(ctx context.Context, clientID uuid.UUID, scope string) (*db.WebhookSubscription, error)
	CreateSubscription(ctx context.Context, s *db.WebhookSubscription) error
	SetSubscriptionURI(ctx context.Context, id uuid.UUID, providerURI string) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error
}

type Manager struct {
	provider     Provider
	store        Store
	callbackBase string
	logger       *zap.Logger
}

// NewManager registers callbacks under callbackBase, the public base URL
// of this service.
func NewManager(provider Provider, store Store, callbackBase string, logger *zap.Logger) *Manager {
	return &Manager{
		provider:     provider,
		store:        store,
		callbackBase: strings.TrimRight(callbackBase, "/"),
		logger:       logger,
	}
}

// CallbackURL is the provider callback registered for a client.
func (m *Manager) CallbackURL(clientID uuid.UUID) string {
	return m.callbackBase + "/v1/hooks/calendly/" + clientID.String()
}

func scopeOf(c *db.ClientConnection) calendly.Scope {
	return calendly.Scope{Kind: c.SubscriptionScope, Organization: c.CalendlyOrgURI, User: c.CalendlyUserURI}
}

// Subscribe registers the client's scope with the provider and caches the
// handle. The local row is reserved first, holding the scope and the signing
// key, so concurrent calls conflict before either reaches the provider. The
// reservation is dropped if the provider refuses, and the remote subscription
// is deleted again if it cannot be confirmed locally.
func (m *Manager) Subscribe(ctx context.Context, clientID uuid.UUID) (sub *db.WebhookSubscription, err error) {
	defer func() { metrics.RecordSubscriptionOp("subscribe", err) }()

	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.CalendlyToken == "" {
		return nil, fmt.Errorf("client %s has no provider token: %w", clientID, calendly.ErrAuth)
	}

	existing, err := m.store.GetActiveSubscription(ctx, clientID, client.SubscriptionScope)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, existing.ProviderURI)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	// credentials are locked once a subscription row exists
	if client.CalendlyUserURI == "" || client.CalendlyOrgURI == "" {
		if err := m.resolveIdentity(ctx, client); err != nil {
			return nil, err
		}
	}

	key, err := calendly.NewSigningKey()
	if err != nil {
		return nil, err
	}

	callback := m.CallbackURL(clientID)
	sub = &db.WebhookSubscription{
		ClientID:    clientID,
		Scope:       client.SubscriptionScope,
		CallbackURL: callback,
		SigningKey:  key,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, db.ErrSubscriptionExists) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, err
	}

	remote, err := m.provider.CreateSubscription(ctx, client.CalendlyToken, calendly.CreateSubscriptionRequest{
		Scope:       scopeOf(client),
		CallbackURL: callback,
		SigningKey:  key,
	})
	if err != nil {
		m.release(ctx, sub, err)
		if errors.Is(err, calendly.ErrConflict) {
			return nil, fmt.Errorf("%w: provider already has a subscription for %s: %v", ErrConflict, callback, err)
		}
		return nil, err
	}

	if err := m.store.SetSubscriptionURI(ctx, sub.ID, remote.URI); err != nil {
		m.compensate(ctx, client, remote.URI, err)
		m.release(ctx, sub, err)
		return nil, err
	}
	sub.ProviderURI = remote.URI

	m.logger.Info("client subscribed",
		zap.String("client_id", clientID.String()),
		zap.String("scope", sub.Scope),
		zap.String("provider_uri", sub.ProviderURI),
	)
	return sub, nil
}

// release drops a pending reservation so the scope can be subscribed again.
func (m *Manager) release(ctx context.Context, sub *db.WebhookSubscription, cause error) {
	if err := m.store.DeleteSubscription(context.WithoutCancel(ctx), sub.ID); err != nil {
		m.logger.Error("failed to release pending subscription",
			zap.String("client_id", sub.ClientID.String()),
			zap.String("subscription_id", sub.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

func (m *Manager) compensate(ctx context.Context, client *db.ClientConnection, uri string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.provider.DeleteSubscription(ctx, client.CalendlyToken, uri); err != nil {
		m.logger.Error("failed to roll back provider subscription, remote is orphaned",
			zap.String("client_id", client.ID.String()),
			zap.String("provider_uri", uri),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	m.logger.Warn("rolled back provider subscription after local write failed",
		zap.String("client_id", client.ID.String()),
		zap.String("provider_uri", uri),
		zap.Error(cause),
	)
}

func (m *Manager) resolveIdentity(ctx context.Context, client *db.ClientConnection) error {
	user, err := m.provider.CurrentUser(ctx, client.CalendlyToken)
	if err != nil {
		return err
	}
	if err := m.store.UpdateProviderCredentials(ctx, client.ID, client.CalendlyToken, user.URI, user.CurrentOrganization); err != nil {
		return err
	}
	client.CalendlyUserURI = user.URI
	client.CalendlyOrgURI = user.CurrentOrganization
	return nil
}

// Unsubscribe deletes the remote subscription and deactivates the local
// record. Unsubscribing a client without a subscription succeeds.
func (m *Manager) Unsubscribe(ctx context.Context, clientID uuid.UUID) (err error) {
	defer func() { metrics.RecordSubscriptionOp("unsubscribe", err) }()

	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	sub, err := m.store.GetActiveSubscription(ctx, clientID, client.SubscriptionScope)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// a pending row has nothing registered remotely yet
	if sub.ProviderURI != "" {
		if err := m.provider.DeleteSubscription(ctx, client.CalendlyToken, sub.ProviderURI); err != nil {
			return err
		}
	}
	if err := m.store.DeactivateSubscription(ctx, sub.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	m.logger.Info("client unsubscribed",
		zap.String("client_id", clientID.String()),
		zap.String("provider_uri", sub.ProviderURI),
	)
	return nil
}

// DriftReport compares the local cache with the provider's registrations.
// LocalMissingRemote is set when the cached handle is unknown to the
// provider. Orphans are remote subscriptions to our callback that we do not
// track.
type DriftReport struct {
	ClientID           uuid.UUID               `json:"client_id"`
	CallbackURL        string                  `json:"callback_url"`
	Local              *db.WebhookSubscription `json:"local,omitempty"`
	Remote             []calendly.Subscription `json:"remote"`
	LocalMissingRemote bool                    `json:"local_missing_remote"`
	Orphans            []calendly.Subscription `json:"orphans"`
	InSync             bool                    `json:"in_sync"`
}

func (m *Manager) Drift(ctx context.Context, clientID uuid.UUID) (*DriftReport, error) {
	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	report := &DriftReport{
		ClientID:    clientID,
		CallbackURL: m.CallbackURL(clientID),
		Remote:      []calendly.Subscription{},
		Orphans:     []calendly.Subscription{},
	}

	local, err := m.store.GetActiveSubscription(ctx, clientID, client.SubscriptionScope)
	switch {
	case err == nil:
		report.Local = local
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	if client.CalendlyToken != "" && client.CalendlyOrgURI != "" {
		remote, err := m.provider.ListSubscriptions(ctx, client.CalendlyToken, scopeOf(client))
		if err != nil {
			return nil, err
		}
		report.Remote = remote
	}

	found := false
	for _, r := range report.Remote {
		if local != nil && r.URI == local.ProviderURI {
			found = true
			continue
		}
		if r.CallbackURL == report.CallbackURL {
			report.Orphans = append(report.Orphans, r)
		}
	}
	report.LocalMissingRemote = local != nil && !found
	report.InSync = !report.LocalMissingRemote && len(report.Orphans) == 0
	return report, nil
}

// Sync converges provider state with the client's active flag: an active
// client without a subscription is subscribed, an inactive one with a
// subscription is unsubscribed.
func (m *Manager) Sync(ctx context.Context, clientID uuid.UUID) error {
	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	_, err = m.store.GetActiveSubscription(ctx, clientID, client.SubscriptionScope)
	hasSub := err == nil
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	switch {
	case client.Active && !hasSub:
		_, err := m.Subscribe(ctx, clientID)
		return err
	case !client.Active && hasSub:
		return m.Unsubscribe(ctx, clientID)
	default:
		return nil
	}
}

// Onboard activates the client and registers its subscription.
func (m *Manager) Onboard(ctx context.Context, clientID uuid.UUID) (*db.WebhookSubscription, error) {
	if err := m.store.SetClientActive(ctx, clientID, true); err != nil {
		return nil, err
	}
	return m.Subscribe(ctx, clientID)
}

// Offboard removes the subscription, then deactivates the client so no
// further notifications are sent.
func (m *Manager) Offboard(ctx context.Context, clientID uuid.UUID) error {
	if err := m.Unsubscribe(ctx, clientID); err != nil {
		return err
	}
	return m.store.SetClientActive(ctx, clientID, false)
}

// RotateCredentials replaces the provider token and identifiers. It is
// refused while a subscription depends on the current ones. Empty URIs are
// resolved from the new token.
func (m *Manager) RotateCredentials(ctx context.Context, clientID uuid.UUID, token, userURI, orgURI string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("provider token is required: %w", calendly.ErrAuth)
	}
	if userURI == "" || orgURI == "" {
		user, err := m.provider.CurrentUser(ctx, token)
		if err != nil {
			return err
		}
		if userURI == "" {
			userURI = user.URI
		}
		if orgURI == "" {
			orgURI = user.CurrentOrganization
		}
	}

	err := m.store.UpdateProviderCredentials(ctx, clientID, token, userURI, orgURI)
	if errors.Is(err, db.ErrCredentialsLocked) {
		return fmt.Errorf("%w: unsubscribe before rotating credentials", err)
	}
	return err
}
