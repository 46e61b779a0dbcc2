// Package dispatch fans a booking occurrence out to every channel configured
// for its client. Channel failures are reported, never returned: the
// operation that produced the occurrence has already succeeded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/channel"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/metrics"
)

// Occurrence kinds
const (
	KindBookingCreated   = "booking_created"
	KindBookingCanceled  = "booking_canceled"
	KindArtifactAttached = "artifact_attached"
)

// errNoAdapter is reported when a client has a channel configured that this
// process has no adapter for.
var errNoAdapter = errors.New("no adapter registered for channel")

// Occurrence is a notification-worthy change to a booking.
type Occurrence struct {
	Kind        string
	ClientID    uuid.UUID
	Booking     *db.Booking
	ArtifactURL string
}

// Outcome is the result of one channel send.
type Outcome struct {
	Channel    string        `json:"channel"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"-"`
}

// Report aggregates the outcomes of one Dispatch call.
type Report struct {
	ClientID uuid.UUID `json:"client_id"`
	Kind     string    `json:"kind"`
	Skipped  bool      `json:"skipped"`
	Error    string    `json:"error,omitempty"`
	Outcomes []Outcome `json:"outcomes"`
	Err      error     `json:"-"`
}

// Count returns how many outcomes have the given status.
func (r Report) Count(status string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// ClientResolver loads the client an occurrence belongs to.
type ClientResolver interface {
	GetClient(ctx context.Context, id uuid.UUID) (*db.ClientConnection, error)
}

// DeliveryRecorder persists per-channel outcomes for auditing.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d *db.Delivery) error
}

type Config struct {
	// Timeout bounds each adapter send.
	Timeout time.Duration
	// DashboardBaseURL prefixes booking deep links.
	DashboardBaseURL string
	// Recorder is optional.
	Recorder DeliveryRecorder
}

type Dispatcher struct {
	clients   ClientResolver
	adapters  map[string]channel.Adapter
	recorder  DeliveryRecorder
	timeout   time.Duration
	dashboard string
	logger    *zap.Logger
}

func New(clients ClientResolver, adapters []channel.Adapter, cfg Config, logger *zap.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	byName := make(map[string]channel.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}

	return &Dispatcher{
		clients:   clients,
		adapters:  byName,
		recorder:  cfg.Recorder,
		timeout:   timeout,
		dashboard: cfg.DashboardBaseURL,
		logger:    logger,
	}
}

// Dispatch delivers occ to every configured channel of its client and
// blocks until each send has finished or timed out. Cancelling ctx does not
// abort sends already started.
func (d *Dispatcher) Dispatch(ctx context.Context, occ Occurrence) Report {
	report := Report{ClientID: occ.ClientID, Kind: occ.Kind}
	ctx = context.WithoutCancel(ctx)

	client, err := d.clients.GetClient(ctx, occ.ClientID)
	if err != nil {
		report.Err = fmt.Errorf("resolve client: %w", err)
		report.Error = report.Err.Error()
		d.logger.Error("dispatch could not resolve client",
			zap.String("client_id", occ.ClientID.String()),
			zap.String("kind", occ.Kind),
			zap.Error(err),
		)
		return report
	}

	targets := Targets(client)
	report.Outcomes = make([]Outcome, len(targets))

	if !client.Active {
		report.Skipped = true
		for i, t := range targets {
			report.Outcomes[i] = Outcome{Channel: t.Channel, Status: db.DeliverySkipped}
			d.observe(ctx, occ, report.Outcomes[i])
		}
		d.logger.Info("dispatch skipped for inactive client",
			zap.String("client_id", occ.ClientID.String()),
			zap.String("kind", occ.Kind),
			zap.Int("channels", len(targets)),
		)
		return report
	}

	msg := Render(occ, client, d.dashboard)

	// one uncapped group per dispatch: a client whose sends stall until the
	// timeout never holds up another client's occurrence
	group := pond.NewGroup()
	for i, t := range targets {
		group.Submit(func() {
			report.Outcomes[i] = d.deliver(ctx, t, msg)
		})
	}
	// each task recovers its own panics, so the group error is always nil
	_ = group.Wait()

	for _, o := range report.Outcomes {
		d.observe(ctx, occ, o)
	}
	return report
}

// deliver runs one adapter send in an isolated boundary: a panic or a
// deadline expiry becomes a failed outcome instead of escaping.
func (d *Dispatcher) deliver(ctx context.Context, target channel.Target, msg channel.Message) Outcome {
	out := Outcome{Channel: target.Channel}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		out.DurationMS = out.Duration.Milliseconds()
	}()

	adapter, ok := d.adapters[target.Channel]
	if !ok {
		out.Status = db.DeliverySkipped
		out.Err = fmt.Errorf("%s: %w", target.Channel, errNoAdapter)
		out.Error = out.Err.Error()
		return out
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &channel.AdapterError{Channel: target.Channel, Err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		done <- adapter.Send(sendCtx, target, msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-sendCtx.Done():
		err = &channel.AdapterError{
			Channel: target.Channel,
			Err:     fmt.Errorf("%w after %s", channel.ErrTimeout, d.timeout),
		}
	}

	if err == nil {
		out.Status = db.DeliverySent
		return out
	}

	ae := channel.AsAdapterError(target.Channel, err)
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && !errors.Is(ae, channel.ErrTimeout) {
		ae = &channel.AdapterError{Channel: target.Channel, Err: fmt.Errorf("%w: %v", channel.ErrTimeout, err)}
	}
	out.Status = db.DeliveryFailed
	out.Err = ae
	out.Error = ae.Error()
	return out
}

func (d *Dispatcher) observe(ctx context.Context, occ Occurrence, o Outcome) {
	metrics.RecordDelivery(o.Channel, occ.Kind, o.Status, o.Duration)

	fields := []zap.Field{
		zap.String("client_id", occ.ClientID.String()),
		zap.String("kind", occ.Kind),
		zap.String("channel", o.Channel),
		zap.String("status", o.Status),
		zap.Duration("duration", o.Duration),
	}
	if occ.Booking != nil {
		fields = append(fields, zap.String("booking_id", occ.Booking.ID.String()))
	}
	if o.Status == db.DeliveryFailed {
		d.logger.Warn("notification delivery failed", append(fields, zap.Error(o.Err))...)
	} else {
		d.logger.Info("notification delivery", fields...)
	}

	if d.recorder == nil {
		return
	}
	rec := &db.Delivery{
		ClientID:   occ.ClientID,
		Kind:       occ.Kind,
		Channel:    o.Channel,
		Status:     o.Status,
		DurationMS: o.DurationMS,
	}
	if occ.Booking != nil {
		id := occ.Booking.ID
		rec.BookingID = &id
	}
	if o.Error != "" {
		msg := o.Error
		rec.Error = &msg
	}

	recCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.recorder.RecordDelivery(recCtx, rec); err != nil {
		d.logger.Warn("failed to record delivery", append(fields, zap.Error(err))...)
	}
}

// Targets lists the destinations configured for a client.
func Targets(c *db.ClientConnection) []channel.Target {
	var targets []channel.Target
	if v := deref(c.DiscordWebhookURL); v != "" {
		targets = append(targets, channel.Target{Channel: channel.NameDiscord, URL: v})
	}
	token, chID := deref(c.SlackBotToken), deref(c.SlackChannelID)
	if token != "" || chID != "" {
		targets = append(targets, channel.Target{Channel: channel.NameSlack, Token: token, ChannelID: chID})
	}
	if v := deref(c.SNSTopicARN); v != "" {
		targets = append(targets, channel.Target{Channel: channel.NameSNS, TopicARN: v})
	}
	return targets
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
