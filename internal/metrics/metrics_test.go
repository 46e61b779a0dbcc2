package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBookingIngested(t *testing.T) {
	before := testutil.ToFloat64(bookingsIngested.WithLabelValues("api", "inserted"))
	RecordBookingIngested("api", true)
	RecordBookingIngested("api", false)

	assert.Equal(t, before+1, testutil.ToFloat64(bookingsIngested.WithLabelValues("api", "inserted")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(bookingsIngested.WithLabelValues("api", "updated")), 1.0)
}

func TestRecordDelivery(t *testing.T) {
	RecordDelivery("slack", "booking_created", "sent", 120*time.Millisecond)
	RecordDelivery("discord", "booking_created", "skipped", 0)

	assert.GreaterOrEqual(t, testutil.ToFloat64(deliveries.WithLabelValues("slack", "booking_created", "sent")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(deliveries.WithLabelValues("discord", "booking_created", "skipped")), 1.0)
}

func TestRecordSubscriptionOp(t *testing.T) {
	before := testutil.ToFloat64(subscriptionOps.WithLabelValues("subscribe", "error"))
	RecordSubscriptionOp("subscribe", errors.New("boom"))
	RecordSubscriptionOp("subscribe", nil)

	assert.Equal(t, before+1, testutil.ToFloat64(subscriptionOps.WithLabelValues("subscribe", "error")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(bookingsCompleted)
	RecordBookingsCompleted(3)
	assert.Equal(t, before+3, testutil.ToFloat64(bookingsCompleted))

	RecordReconcilePersistFailure()
	RecordIdempotencyHit()
	RecordRateLimitRejection()
	RecordBreakerTransition("slack", "open")
	assert.GreaterOrEqual(t, testutil.ToFloat64(breakerTransitions.WithLabelValues("slack", "open")), 1.0)
	RecordProviderEvent("invitee.created", "ingested")
	SetSQSMessagesInFlight(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(sqsMessagesInFlight))
	SetSQSMessagesInFlight(0)
}

func TestHandler(t *testing.T) {
	RecordProviderEvent("invitee.canceled", "ingested")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meetsync_provider_events_total")
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/hooks/calendly/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest("POST", "/v1/hooks/calendly/8c1f", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/hooks/calendly/{clientID}", "202"))
	assert.GreaterOrEqual(t, got, 1.0, "request should be labelled with the route pattern")
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	assert.Equal(t, http.StatusNotFound, rw.status)
}
