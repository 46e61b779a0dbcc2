// Package calendly is a minimal client for the Calendly v2 API: webhook
// subscription management, the current-user lookup used during onboarding,
// and parsing plus verification of inbound webhook deliveries.
package calendly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.calendly.com"

	EventInviteeCreated  = "invitee.created"
	EventInviteeCanceled = "invitee.canceled"

	maxErrorBody = 4096
	maxPages     = 50
)

// Scope addresses the user or organization a subscription is registered against.
type Scope struct {
	Kind         string // "user" or "organization"
	Organization string // organization URI, always required
	User         string // user URI, required when Kind is "user"
}

type Subscription struct {
	URI          string    `json:"uri"`
	CallbackURL  string    `json:"callback_url"`
	State        string    `json:"state"`
	Events       []string  `json:"events"`
	Scope        string    `json:"scope"`
	Organization string    `json:"organization"`
	User         string    `json:"user,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type CreateSubscriptionRequest struct {
	Scope       Scope
	CallbackURL string
	Events      []string
	SigningKey  string
}

type User struct {
	URI                 string `json:"uri"`
	Name                string `json:"name"`
	Email               string `json:"email"`
	Timezone            string `json:"timezone"`
	CurrentOrganization string `json:"current_organization"`
}

// Client performs synchronous calls against the provider API. It never retries.
type Client struct {
	http    *http.Client
	baseURL string
	logger  *zap.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

// CreateSubscription registers callbackURL for booking lifecycle events on the scope.
func (c *Client) CreateSubscription(ctx context.Context, token string, req CreateSubscriptionRequest) (*Subscription, error) {
	events := req.Events
	if len(events) == 0 {
		events = []string{EventInviteeCreated, EventInviteeCanceled}
	}

	body := map[string]any{
		"url":          req.CallbackURL,
		"events":       events,
		"organization": req.Scope.Organization,
		"scope":        req.Scope.Kind,
	}
	if req.Scope.Kind == "user" {
		body["user"] = req.Scope.User
	}
	if req.SigningKey != "" {
		body["signing_key"] = req.SigningKey
	}

	var out struct {
		Resource Subscription `json:"resource"`
	}
	if err := c.do(ctx, "create subscription", token, http.MethodPost, c.baseURL+"/webhook_subscriptions", body, &out); err != nil {
		return nil, err
	}

	c.logger.Info("calendly subscription created",
		zap.String("uri", out.Resource.URI),
		zap.String("scope", req.Scope.Kind),
	)
	return &out.Resource, nil
}

// ListSubscriptions returns every subscription on the scope, following pagination.
func (c *Client) ListSubscriptions(ctx context.Context, token string, scope Scope) ([]Subscription, error) {
	q := url.Values{}
	q.Set("organization", scope.Organization)
	q.Set("scope", scope.Kind)
	if scope.Kind == "user" {
		q.Set("user", scope.User)
	}
	q.Set("count", "100")
	next := c.baseURL + "/webhook_subscriptions?" + q.Encode()

	var all []Subscription
	for page := 0; next != "" && page < maxPages; page++ {
		var out struct {
			Collection []Subscription `json:"collection"`
			Pagination struct {
				NextPage *string `json:"next_page"`
			} `json:"pagination"`
		}
		if err := c.do(ctx, "list subscriptions", token, http.MethodGet, next, nil, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Collection...)

		next = ""
		if out.Pagination.NextPage != nil {
			next = *out.Pagination.NextPage
		}
	}
	return all, nil
}

// DeleteSubscription removes a subscription by URI or UUID. A subscription that
// is already gone counts as deleted.
func (c *Client) DeleteSubscription(ctx context.Context, token, uri string) error {
	id := path.Base(strings.TrimRight(uri, "/"))
	if id == "" || id == "." || id == "/" {
		return fmt.Errorf("calendly delete subscription: invalid uri %q", uri)
	}

	err := c.do(ctx, "delete subscription", token, http.MethodDelete, c.baseURL+"/webhook_subscriptions/"+url.PathEscape(id), nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone) {
			c.logger.Info("calendly subscription already deleted", zap.String("uri", uri))
			return nil
		}
		return err
	}

	c.logger.Info("calendly subscription deleted", zap.String("uri", uri))
	return nil
}

// CurrentUser resolves the user and organization owning the token.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	var out struct {
		Resource User `json:"resource"`
	}
	if err := c.do(ctx, "current user", token, http.MethodGet, c.baseURL+"/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out.Resource, nil
}

func (c *Client) do(ctx context.Context, op, token, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("calendly %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("calendly %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calendly %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		var detail struct {
			Title   string `json:"title"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &detail) == nil {
			apiErr.Title = detail.Title
			apiErr.Message = detail.Message
		}
		c.logger.Warn("calendly request failed",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode),
			zap.String("title", apiErr.Title),
		)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("calendly %s: decode response: %w", op, err)
	}
	return nil
}
