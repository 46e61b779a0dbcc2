package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetsync_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meetsync_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	bookingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetsync_bookings_ingested_total",
			Help: "Booking events upserted, by source and outcome (inserted, updated)",
		},
		[]string{"source", "outcome"},
	)

	providerEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetsync_provider_events_total",
			Help: "Provider callbacks by event type and result",
		},
		[]string{"event", "result"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetsync_deliveries_total",
			Help: "Per-channel notification outcomes",
		},
		[]string{"channel", "kind", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meetsync_delivery_duration_seconds",
			Help:    "Time spent in a single channel adapter send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	bookingsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meetsync_bookings_completed_total",
			Help: "Scheduled bookings moved to completed by reconciliation",
		},
	)

	reconcilePersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meetsync_reconcile_persist_failures_total",
			Help: "Reconciliation passes whose completion write failed",
		},
	)

	subscriptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetsync_subscription_operations_total",
			Help: "Provider webhook subscription operations by result",
		},
		[]string{"op", "result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetsync_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meetsync_idempotency_hits_total",
			Help: "Provider callbacks short-circuited as duplicates",
		},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetsync_circuit_breaker_transitions_total",
			Help: "Destination circuit breaker state changes by channel and new state",
		},
		[]string{"channel", "state"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meetsync_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBookingIngested counts an upsert; source is "provider" or "api".
func RecordBookingIngested(source string, inserted bool) {
	outcome := "updated"
	if inserted {
		outcome = "inserted"
	}
	bookingsIngested.WithLabelValues(source, outcome).Inc()
}

func RecordProviderEvent(event, result string) {
	providerEventsReceived.WithLabelValues(event, result).Inc()
}

func RecordDelivery(channel, kind, status string, duration time.Duration) {
	deliveries.WithLabelValues(channel, kind, status).Inc()
	if status != "skipped" {
		deliveryLatency.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

func RecordBookingsCompleted(n int) {
	bookingsCompleted.Add(float64(n))
}

func RecordReconcilePersistFailure() {
	reconcilePersistFailures.Inc()
}

func RecordSubscriptionOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	subscriptionOps.WithLabelValues(op, result).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordBreakerTransition is labelled by channel only; target keys are
// unbounded.
func RecordBreakerTransition(channel, state string) {
	breakerTransitions.WithLabelValues(channel, state).Inc()
}

// Client tokens are secrets, so rejections are not labelled by caller.
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled with the chi route pattern,
// keeping client IDs out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
