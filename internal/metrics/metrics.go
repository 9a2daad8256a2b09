package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	pollCycles          *prometheus.CounterVec
	pollFetchDuration   *prometheus.HistogramVec
	pollSkipped         *prometheus.CounterVec
	pollStale           *prometheus.CounterVec
	reconcileOps        *prometheus.CounterVec
	droppedRecords      prometheus.Counter
	mutations           *prometheus.CounterVec
	wsClients           prometheus.Gauge
	eventsPublished     *prometheus.CounterVec
}

// New creates a fresh Metrics registry with HTTP, polling and tracking metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by fleetwatch",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetwatch",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by fleetwatch",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	pollCycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "poll_cycles_total",
		Help:      "Completed poll cycles by job and outcome",
	}, []string{"job", "outcome"})

	pollFetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetwatch",
		Name:      "poll_fetch_duration_seconds",
		Help:      "Duration of poll fetches against the fleet registry",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"job"})

	pollSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "poll_ticks_skipped_total",
		Help:      "Poll ticks skipped because a fetch was in flight or the job was backing off",
	}, []string{"job", "reason"})

	pollStale := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "poll_results_stale_total",
		Help:      "Poll results discarded because a newer result was already applied",
	}, []string{"job"})

	reconcileOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "reconcile_ops_total",
		Help:      "Vessel lifecycle operations committed to the canonical set",
	}, []string{"kind", "source"})

	droppedRecords := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "reconcile_dropped_records_total",
		Help:      "Malformed snapshot records dropped during reconciliation",
	})

	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "mutations_total",
		Help:      "User mutations sent to the fleet registry by op and outcome",
	}, []string{"op", "outcome"})

	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetwatch",
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients",
	})

	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Name:      "events_published_total",
		Help:      "Vessel lifecycle events published to the message bus",
	}, []string{"kind", "outcome"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		pollCycles,
		pollFetchDuration,
		pollSkipped,
		pollStale,
		reconcileOps,
		droppedRecords,
		mutations,
		wsClients,
		eventsPublished,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		pollCycles:          pollCycles,
		pollFetchDuration:   pollFetchDuration,
		pollSkipped:         pollSkipped,
		pollStale:           pollStale,
		reconcileOps:        reconcileOps,
		droppedRecords:      droppedRecords,
		mutations:           mutations,
		wsClients:           wsClients,
		eventsPublished:     eventsPublished,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObservePollCycle records a finished poll fetch and what became of its result.
func (m *Metrics) ObservePollCycle(job, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(job, outcome).Inc()
	m.pollFetchDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *Metrics) IncPollSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.pollSkipped.WithLabelValues(job, reason).Inc()
}

func (m *Metrics) IncPollStale(job string) {
	if m == nil {
		return
	}
	m.pollStale.WithLabelValues(job).Inc()
}

// AddReconcileOps counts committed add/update/remove operations.
func (m *Metrics) AddReconcileOps(kind, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileOps.WithLabelValues(kind, source).Add(float64(n))
}

func (m *Metrics) AddDroppedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedRecords.Add(float64(n))
}

// ObserveMutation counts a create/relocate/delete request by outcome.
func (m *Metrics) ObserveMutation(op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}

// SetWebSocketClients reports the number of connected push clients.
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) IncEventPublished(kind, outcome string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind, outcome).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
