package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes portal metrics for Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	provisioningRuns    *prometheus.CounterVec
	provisioningRetries *prometheus.CounterVec
	stageFailures       *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	logsSynced          prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wizsmith",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the portal",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wizsmith",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the portal",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	provisioningRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wizsmith",
		Name:      "provisioning_runs_total",
		Help:      "Provisioning runs by device kind and outcome",
	}, []string{"kind", "outcome"})

	provisioningRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wizsmith",
		Name:      "provisioning_retries_total",
		Help:      "Retries issued while provisioning, by stage",
	}, []string{"stage"})

	stageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wizsmith",
		Name:      "provisioning_stage_failures_total",
		Help:      "Provisioning runs that ended in error, by stage and fault kind",
	}, []string{"stage", "kind"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wizsmith",
		Name:      "provisioning_run_duration_seconds",
		Help:      "Duration of provisioning runs from start to a terminal state",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"kind"})

	logsSynced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wizsmith",
		Name:      "activity_logs_synced_total",
		Help:      "Activity log entries uploaded to the inventory",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		provisioningRuns,
		provisioningRetries,
		stageFailures,
		runDuration,
		logsSynced,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		provisioningRuns:    provisioningRuns,
		provisioningRetries: provisioningRetries,
		stageFailures:       stageFailures,
		runDuration:         runDuration,
		logsSynced:          logsSynced,
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

// ObserveRun records a finished run. outcome is complete, error or cancelled.
func (m *Metrics) ObserveRun(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.provisioningRuns.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) IncRetry(stage string) {
	if m == nil {
		return
	}
	m.provisioningRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, kind).Inc()
}

func (m *Metrics) AddLogsSynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.logsSynced.Add(float64(n))
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
