// Package channel holds the destination adapters that translate a rendered
// notification into one chat system's wire format.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Channel names
const (
	NameDiscord = "discord"
	NameSlack   = "slack"
	NameSNS     = "sns"
)

var (
	// ErrUnauthorized means the destination rejected our credential or URL.
	ErrUnauthorized = errors.New("destination rejected credentials")
	// ErrPermission means the credential is valid but cannot post to the target.
	ErrPermission = errors.New("destination permission denied")
	// ErrRateLimited means the destination throttled the call.
	ErrRateLimited = errors.New("destination rate limited")
	// ErrRejected is an application-level failure reported by the destination.
	ErrRejected = errors.New("destination rejected message")
	// ErrTimeout means the send did not finish within its deadline.
	ErrTimeout = errors.New("destination send timed out")
	// ErrInvalidTarget means the target lacks the fields the adapter needs.
	ErrInvalidTarget = errors.New("invalid destination target")
)

// Target addresses one configured destination of a client.
type Target struct {
	Channel   string
	URL       string // discord webhook URL
	Token     string // slack bot token
	ChannelID string // slack channel
	TopicARN  string // sns topic
}

// Key identifies the destination for per-target state such as breakers.
func (t Target) Key() string {
	switch t.Channel {
	case NameDiscord:
		return t.Channel + ":" + t.URL
	case NameSlack:
		return t.Channel + ":" + t.ChannelID
	case NameSNS:
		return t.Channel + ":" + t.TopicARN
	default:
		return t.Channel
	}
}

// Field is a labelled value shown in the notification body.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Message is a channel-neutral notification.
type Message struct {
	Kind        string    `json:"kind"`
	ClientID    string    `json:"client_id"`
	BookingID   string    `json:"booking_id"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Fields      []Field   `json:"fields"`
	Link        string    `json:"link"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
}

// Adapter delivers a message to one kind of destination.
type Adapter interface {
	Name() string
	Send(ctx context.Context, target Target, msg Message) error
}

// AdapterError is a failed send, at transport or application level.
type AdapterError struct {
	Channel    string
	StatusCode int    // HTTP status, 0 when no response was received
	Code       string // provider error code, e.g. slack "channel_not_found"
	Body       string // response body preview
	Err        error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s send failed", e.Channel)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" && e.Code == "" {
		msg += ", body: " + e.Body
	}
	return msg
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// AsAdapterError normalizes any error returned by a send into an *AdapterError.
func AsAdapterError(channel string, err error) *AdapterError {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Channel: channel, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &AdapterError{Channel: channel, Err: err}
}
