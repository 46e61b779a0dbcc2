package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const bodyPreviewLimit = 1024

// Discord posts embed payloads to a pre-registered webhook URL.
// Delivery is at most once per call: there is no retry.
type Discord struct {
	client   *http.Client
	username string
	logger   *zap.Logger
}

type DiscordConfig struct {
	Username string        // display name of the webhook bot
	Timeout  time.Duration // transport timeout; callers also bound the context
}

func NewDiscord(logger *zap.Logger, cfg DiscordConfig) *Discord {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	username := cfg.Username
	if username == "" {
		username = "Meetsync"
	}

	return &Discord{
		client:   &http.Client{Timeout: timeout},
		username: username,
		logger:   logger,
	}
}

type discordEmbed struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	URL         string  `json:"url,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *Discord) Name() string { return NameDiscord }

// Send delivers msg to target.URL.
func (d *Discord) Send(ctx context.Context, target Target, msg Message) error {
	if target.URL == "" {
		return &AdapterError{Channel: NameDiscord, Err: fmt.Errorf("%w: missing webhook url", ErrInvalidTarget)}
	}

	fields := msg.Fields
	if msg.ArtifactURL != "" {
		fields = append(append([]Field{}, fields...), Field{Name: "Document", Value: msg.ArtifactURL})
	}
	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Text,
		URL:         msg.Link,
		Color:       msg.Color,
		Fields:      fields,
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(discordPayload{Username: d.username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return &AdapterError{Channel: NameDiscord, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return &AdapterError{Channel: NameDiscord, Err: fmt.Errorf("%w: %v", ErrInvalidTarget, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Meetsync/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return transportError(NameDiscord, err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AdapterError{
			Channel:    NameDiscord,
			StatusCode: resp.StatusCode,
			Body:       string(preview),
			Err:        statusError(resp.StatusCode),
		}
	}

	d.logger.Debug("discord webhook delivered",
		zap.String("booking_id", msg.BookingID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func statusError(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrRejected
	}
}

func transportError(channel string, err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Channel: channel, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &AdapterError{Channel: channel, Err: fmt.Errorf("request failed: %w", err)}
}
