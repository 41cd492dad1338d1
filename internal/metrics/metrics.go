package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propline_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propline_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propline_events_ingested_total",
			Help: "Domain events accepted through the ingestion API by type",
		},
		[]string{"type"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propline_events_processed_total",
			Help: "Domain events resolved by the poller, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	claimConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propline_claim_conflicts_total",
			Help: "Conditional claims lost to another consumer",
		},
		[]string{"resource"},
	)

	deliveriesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propline_deliveries_enqueued_total",
			Help: "HIGH priority email deliveries handed to the work queue",
		},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propline_emails_total",
			Help: "Email transport calls by kind (immediate, digest) and outcome",
		},
		[]string{"kind", "outcome"},
	)

	emailBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propline_email_batch_size",
			Help:    "Deliveries folded into one email",
			Buckets: []float64{1, 2, 3, 5, 10, 15, 20},
		},
		[]string{"kind"},
	)

	pollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propline_poll_duration_seconds",
			Help:    "Duration of one poller or job run",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"poller"},
	)

	queueMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "propline_queue_messages_in_flight",
			Help: "Current jobs being processed from the work queue",
		},
	)

	duplicateJobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propline_duplicate_jobs_total",
			Help: "Jobs dropped because their id was already enqueued",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propline_idempotency_hits_total",
			Help: "Ingestion requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propline_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key_kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "propline_circuit_breaker_state",
			Help: "Circuit breaker state per transport (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "propline_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventIngested counts an event accepted from a producer
func RecordEventIngested(eventType string) {
	eventsIngested.WithLabelValues(eventType).Inc()
}

// RecordEventProcessed counts a poller resolution (processed, failed, dead)
func RecordEventProcessed(eventType, outcome string) {
	eventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordClaimConflict counts a lost compare-and-swap
func RecordClaimConflict(resource string) {
	claimConflicts.WithLabelValues(resource).Inc()
}

// RecordDeliveriesEnqueued counts deliveries submitted to the work queue
func RecordDeliveriesEnqueued(n int) {
	deliveriesEnqueued.Add(float64(n))
}

// RecordEmail records one transport call and how many deliveries it carried
func RecordEmail(kind, outcome string, batchSize int) {
	emailsSent.WithLabelValues(kind, outcome).Inc()
	emailBatchSize.WithLabelValues(kind).Observe(float64(batchSize))
}

// RecordPollDuration records how long one poller run took
func RecordPollDuration(poller string, d time.Duration) {
	pollDuration.WithLabelValues(poller).Observe(d.Seconds())
}

// SetQueueMessagesInFlight sets the current in-flight job count
func SetQueueMessagesInFlight(count int) {
	queueMessagesInFlight.Set(float64(count))
}

// RecordDuplicateJob records a job dropped by deduplication
func RecordDuplicateJob() {
	duplicateJobs.Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection by key kind (producer or ip)
func RecordRateLimitRejection(kind string) {
	rateLimitRejections.WithLabelValues(kind).Inc()
}

// SetBreakerState records the current state of a circuit breaker
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
