package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/metrics"
)

// Clock abstracts time so reconciliation can be tested at a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the standard time package
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Reconcile marks every scheduled booking whose event time is strictly
// before now as completed and returns the IDs it transitioned. Bookings in
// a terminal state are left untouched, so a second pass at the same instant
// returns nothing.
func Reconcile(bookings []*db.Booking, now time.Time) []uuid.UUID {
	var completed []uuid.UUID
	for _, b := range bookings {
		if b.State != db.StateScheduled {
			continue
		}
		if b.EventTime.Before(now) {
			b.State = db.StateCompleted
			completed = append(completed, b.ID)
		}
	}
	return completed
}

// BookingStore is the subset of the repository the reconciler needs.
type BookingStore interface {
	ListBookings(ctx context.Context, clientID uuid.UUID, since *time.Time) ([]*db.Booking, error)
	CompleteBookings(ctx context.Context, clientID uuid.UUID, ids []uuid.UUID, now time.Time) (int64, error)
}

// Reconciler is the read path for bookings: it corrects lifecycle state
// before returning data.
type Reconciler struct {
	store  BookingStore
	clock  Clock
	logger *zap.Logger
}

func NewReconciler(store BookingStore, clock Clock, logger *zap.Logger) *Reconciler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reconciler{store: store, clock: clock, logger: logger}
}

// Bookings lists a client's bookings newest first with elapsed scheduled
// bookings completed. A failure to persist the transition is logged and the
// locally corrected bookings are still returned; only a failed read is an error.
func (r *Reconciler) Bookings(ctx context.Context, clientID uuid.UUID, since *time.Time) ([]*db.Booking, error) {
	bookings, err := r.store.ListBookings(ctx, clientID, since)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	ids := Reconcile(bookings, now)
	if len(ids) == 0 {
		return bookings, nil
	}

	n, err := r.store.CompleteBookings(ctx, clientID, ids, now)
	if err != nil {
		metrics.RecordReconcilePersistFailure()
		r.logger.Error("failed to persist reconciled bookings",
			zap.String("client_id", clientID.String()),
			zap.Int("count", len(ids)),
			zap.Error(err),
		)
		return bookings, nil
	}

	metrics.RecordBookingsCompleted(int(n))
	r.logger.Info("bookings reconciled",
		zap.String("client_id", clientID.String()),
		zap.Int64("completed", n),
	)
	return bookings, nil
}
