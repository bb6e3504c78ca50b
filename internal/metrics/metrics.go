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
			Name: "classpush_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classpush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	fanOutCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpush_fanout_cycles_total",
			Help: "Completed fan-out cycles by event and trigger source",
		},
		[]string{"event", "source"},
	)

	fanOutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classpush_fanout_duration_seconds",
			Help:    "Wall time of one fan-out cycle",
			Buckets: []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"event"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpush_deliveries_total",
			Help: "Push delivery attempts by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	tokensRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpush_tokens_registered_total",
			Help: "Token registrations (inserts and replacements) by kind",
		},
		[]string{"kind"},
	)

	tokensPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpush_tokens_pruned_total",
			Help: "Tokens removed after the gateway reported them invalid",
		},
		[]string{"kind"},
	)

	schedulerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classpush_scheduler_state",
			Help: "Lifecycle state (0=idle 1=starting 2=active 3=stopping)",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classpush_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed 1=open 2=half-open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classpush_idempotency_hits_total",
			Help: "Trigger requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpush_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classpush_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classpush_redis_connections_active",
			Help: "Active Redis connections",
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

// RecordFanOut records a finished fan-out cycle
func RecordFanOut(event, source string, duration time.Duration) {
	fanOutCycles.WithLabelValues(event, source).Inc()
	fanOutDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordDelivery records one per-token delivery outcome
func RecordDelivery(event, outcome string) {
	deliveries.WithLabelValues(event, outcome).Inc()
}

// RecordTokenRegistered records a token upsert
func RecordTokenRegistered(kind string) {
	tokensRegistered.WithLabelValues(kind).Inc()
}

// RecordTokenPruned records an invalid token removal
func RecordTokenPruned(kind string) {
	tokensPruned.WithLabelValues(kind).Inc()
}

// SetSchedulerState sets the lifecycle state gauge
func SetSchedulerState(state int) {
	schedulerState.Set(float64(state))
}

// SetBreakerState sets the circuit breaker state gauge
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled with the matched chi route pattern when available.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
