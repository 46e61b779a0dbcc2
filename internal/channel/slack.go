package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultSlackAPIURL = "https://slack.com/api"

// slackLimiterIdle is the minimum time a channel's limiter is kept after its
// last use.
const slackLimiterIdle = 10 * time.Minute

// Slack posts messages with a bot token through chat.postMessage.
// Slack answers HTTP 200 for most application errors, so the "ok" flag
// of the body decides success.
type Slack struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger

	mu        sync.Mutex
	limiters  map[string]*channelLimiter
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type channelLimiter struct {
	*rate.Limiter
	lastUsed time.Time
}

type SlackConfig struct {
	BaseURL string
	Timeout time.Duration

	// PerChannelRate caps posts per second to a single channel.
	PerChannelRate float64
	Burst          int
}

func NewSlack(logger *zap.Logger, cfg SlackConfig) *Slack {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSlackAPIURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	perSecond := cfg.PerChannelRate
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}

	// an idle limiter is only dropped once it would have refilled to a full
	// burst, so recreating it later grants nothing extra
	idle := slackLimiterIdle
	if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idle {
		idle = refill
	}

	return &Slack{
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		logger:   logger,
		limiters: make(map[string]*channelLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  idle,
		now:      time.Now,
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackRequest struct {
	Channel string       `json:"channel"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks,omitempty"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

func (s *Slack) Name() string { return NameSlack }

func (s *Slack) limiter(channelID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) >= s.idleTTL {
		for id, l := range s.limiters {
			if now.Sub(l.lastUsed) >= s.idleTTL {
				delete(s.limiters, id)
			}
		}
		s.lastPrune = now
	}

	l, ok := s.limiters[channelID]
	if !ok {
		l = &channelLimiter{Limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[channelID] = l
	}
	l.lastUsed = now
	return l.Limiter
}

// Send posts msg to target.ChannelID using target.Token.
func (s *Slack) Send(ctx context.Context, target Target, msg Message) error {
	if target.Token == "" || target.ChannelID == "" {
		return &AdapterError{Channel: NameSlack, Err: fmt.Errorf("%w: token and channel are required", ErrInvalidTarget)}
	}

	if err := s.limiter(target.ChannelID).Wait(ctx); err != nil {
		return &AdapterError{Channel: NameSlack, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}

	body, err := json.Marshal(slackRequest{
		Channel: target.ChannelID,
		Text:    fallbackText(msg),
		Blocks:  slackBlocks(msg),
	})
	if err != nil {
		return &AdapterError{Channel: NameSlack, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return &AdapterError{Channel: NameSlack, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+target.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(NameSlack, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AdapterError{
			Channel:    NameSlack,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Err:        statusError(resp.StatusCode),
		}
	}

	var out slackResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return &AdapterError{
			Channel:    NameSlack,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Err:        fmt.Errorf("%w: unreadable response: %v", ErrRejected, err),
		}
	}
	if !out.OK {
		return &AdapterError{
			Channel:    NameSlack,
			StatusCode: resp.StatusCode,
			Code:       out.Error,
			Err:        slackCodeError(out.Error),
		}
	}

	s.logger.Debug("slack message posted",
		zap.String("booking_id", msg.BookingID),
		zap.String("channel_id", target.ChannelID),
		zap.String("ts", out.TS),
	)
	return nil
}

func slackCodeError(code string) error {
	switch code {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired":
		return ErrUnauthorized
	case "not_in_channel", "channel_not_found", "is_archived", "missing_scope", "restricted_action":
		return ErrPermission
	case "ratelimited", "rate_limited":
		return ErrRateLimited
	default:
		return ErrRejected
	}
}

func fallbackText(msg Message) string {
	if msg.Text == "" {
		return msg.Title
	}
	return msg.Title + ": " + msg.Text
}

func slackBlocks(msg Message) []slackBlock {
	header := "*" + msg.Title + "*"
	if msg.Link != "" {
		header = fmt.Sprintf("*<%s|%s>*", msg.Link, msg.Title)
	}
	if msg.Text != "" {
		header += "\n" + msg.Text
	}
	blocks := []slackBlock{{Type: "section", Text: &slackText{Type: "mrkdwn", Text: header}}}

	fields := make([]slackText, 0, len(msg.Fields)+1)
	for _, f := range msg.Fields {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", f.Name, f.Value)})
	}
	if msg.ArtifactURL != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Document*\n<%s>", msg.ArtifactURL)})
	}
	// section blocks accept at most 10 fields
	for len(fields) > 0 {
		n := min(len(fields), 10)
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields[:n]})
		fields = fields[n:]
	}
	return blocks
}
