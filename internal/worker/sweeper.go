package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/booking"
	"github.com/lalithlochan/meetsync/internal/metrics"
)

type Completer interface {
	CompleteElapsed(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper completes elapsed bookings for every client on a fixed interval,
// so stored state does not wait for the next dashboard read.
type Sweeper struct {
	store    Completer
	clock    booking.Clock
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(store Completer, clock booking.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if clock == nil {
		clock = booking.SystemClock{}
	}
	return &Sweeper{store: store, clock: clock, interval: interval, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of bookings completed.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.store.CompleteElapsed(ctx, s.clock.Now())
	if err != nil {
		metrics.RecordReconcilePersistFailure()
		s.logger.Error("completion sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		metrics.RecordBookingsCompleted(int(n))
		s.logger.Info("completion sweep", zap.Int64("completed", n))
	}
	return n
}
