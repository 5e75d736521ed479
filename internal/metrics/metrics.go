package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: response cache lookups by tier (local|shared) and result (hit|miss|error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicall_cache_lookups_total",
			Help: "Response cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// Counter: admission decisions (allowed|denied|fail_open).
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicall_admission_decisions_total",
			Help: "Admission limiter decisions.",
		},
		[]string{"decision"},
	)

	// Counter: upstream AI calls by result (success|error).
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicall_upstream_calls_total",
			Help: "Calls actually sent to the upstream AI service.",
		},
		[]string{"result"},
	)

	// Counter: calls that joined an in-flight identical upstream call.
	UpstreamSharedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aicall_upstream_shared_total",
			Help: "Calls served by joining an identical in-flight upstream call.",
		},
	)

	// Histogram: upstream AI call latency in seconds.
	UpstreamLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aicall_upstream_latency_seconds",
			Help:    "Latency of upstream AI calls in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Counters: batch submissions.
	BatchRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aicall_batch_requests_total",
			Help: "Requests received through batch submission.",
		},
	)
	BatchGroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicall_batch_groups_total",
			Help: "Batch groups resolved, by source (cache|upstream|error).",
		},
		[]string{"source"},
	)

	// Counters: monitoring pipeline.
	MonitorDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aicall_monitor_dropped_total",
			Help: "Monitoring events dropped from shared aggregates because the queue was full.",
		},
	)
	SlowCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicall_slow_calls_total",
			Help: "Calls slower than the configured threshold, by operation.",
		},
		[]string{"operation"},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheLookupsTotal,
		AdmissionDecisionsTotal,
		UpstreamCallsTotal,
		UpstreamSharedTotal,
		UpstreamLatencySeconds,
		BatchRequestsTotal,
		BatchGroupsTotal,
		MonitorDroppedTotal,
		SlowCallsTotal,
		GatewayLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request, labelled by
// the matched chi route pattern so path parameters don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		GatewayLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
