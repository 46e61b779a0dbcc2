// Package worker runs the background loops: the callback queue consumer and
// the optional completion sweep.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/booking"
	"github.com/lalithlochan/meetsync/internal/calendly"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/metrics"
	"github.com/lalithlochan/meetsync/internal/sqs"
)

type Queue interface {
	Receive(ctx context.Context) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Delay(ctx context.Context, receiptHandle string, seconds int32) error
}

type Ingester interface {
	IngestEvent(ctx context.Context, clientID uuid.UUID, ev *calendly.Event) (*booking.Result, error)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration // pause after a failed receive
	MaxReceives  int           // deliveries before a message is dropped
}

// Worker ingests queued provider callbacks.
type Worker struct {
	queue    Queue
	ingester Ingester
	pool     pond.Pool
	config   Config
	logger   *zap.Logger
}

func New(queue Queue, ingester Ingester, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	return &Worker{
		queue:    queue,
		ingester: ingester,
		pool:     pond.NewPool(cfg.Concurrency),
		config:   cfg,
		logger:   logger,
	}
}

// Start polls until ctx is canceled, then waits for in-flight messages.
func (w *Worker) Start(ctx context.Context) {
	defer w.pool.StopAndWait()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}

		msgs, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("failed to receive callbacks", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.PollInterval):
			}
			continue
		}

		w.ProcessBatch(ctx, msgs)
	}
}

// ProcessBatch ingests msgs concurrently and returns when all are settled.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []sqs.Received) {
	if len(msgs) == 0 {
		return
	}
	metrics.SetSQSMessagesInFlight(len(msgs))
	defer metrics.SetSQSMessagesInFlight(0)

	group := w.pool.NewGroup()
	for _, m := range msgs {
		group.Submit(func() {
			w.process(context.WithoutCancel(ctx), m)
		})
	}
	_ = group.Wait()
}

func (w *Worker) process(ctx context.Context, m sqs.Received) {
	log := w.logger.With(
		zap.String("client_id", m.Message.ClientID.String()),
		zap.String("dedupe_key", m.Message.DedupeKey),
		zap.Int("receive_count", m.ReceiveCount),
	)

	ev, err := calendly.ParseEvent(m.Message.Body)
	if err != nil {
		log.Error("dropping malformed callback", zap.Error(err))
		w.ack(ctx, m, log)
		return
	}

	res, err := w.ingester.IngestEvent(ctx, m.Message.ClientID, ev)
	switch {
	case err == nil:
		log.Info("callback ingested",
			zap.String("booking_id", res.Booking.ID.String()),
			zap.Bool("inserted", res.Inserted),
		)
		w.ack(ctx, m, log)
	case errors.Is(err, booking.ErrClientInactive), errors.Is(err, db.ErrNotFound):
		log.Info("callback ignored", zap.Error(err))
		w.ack(ctx, m, log)
	case m.ReceiveCount >= w.config.MaxReceives:
		log.Error("giving up on callback", zap.Error(err))
		w.ack(ctx, m, log)
	default:
		delay := retryDelay(m.ReceiveCount)
		log.Warn("callback ingestion failed, will retry", zap.Duration("delay", delay), zap.Error(err))
		if err := w.queue.Delay(ctx, m.ReceiptHandle, int32(delay/time.Second)); err != nil {
			log.Warn("failed to delay callback", zap.Error(err))
		}
	}
}

func (w *Worker) ack(ctx context.Context, m sqs.Received, log *zap.Logger) {
	if err := w.queue.Delete(ctx, m.ReceiptHandle); err != nil {
		log.Error("failed to delete callback", zap.Error(err))
	}
}

func retryDelay(receiveCount int) time.Duration {
	delays := []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
	}
	idx := receiveCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
