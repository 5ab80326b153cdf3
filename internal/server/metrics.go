package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobescrow/internal/operation"
	"jobescrow/internal/txsubmit"
)

// Metrics is the service's Prometheus registry. It also records orchestrator
// observations, so one instance is shared by the server and the orchestrator.
type Metrics struct {
	registry          *prometheus.Registry
	operationsTotal   *prometheus.CounterVec
	attemptsTotal     *prometheus.CounterVec
	replaysTotal      *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_operations_total",
		Help: "Escrow operations by terminal status and failure reason",
	}, []string{"operation", "status", "reason"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_submission_attempts_total",
		Help: "Transaction submission attempts by outcome",
	}, []string{"operation", "outcome"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	}, []string{"operation"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobescrow_operation_duration_seconds",
		Help:    "Wall time from request to terminal result",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"operation", "status"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(operations, attempts, replays, duration, httpRequests)

	return &Metrics{
		registry:          r,
		operationsTotal:   operations,
		attemptsTotal:     attempts,
		replaysTotal:      replays,
		operationDuration: duration,
		httpRequestsTotal: httpRequests,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAttempt(kind operation.Kind, out txsubmit.Outcome) {
	m.attemptsTotal.WithLabelValues(string(kind), out.Kind.String()).Inc()
}

func (m *Metrics) ObserveResult(res operation.Result) {
	m.operationsTotal.WithLabelValues(string(res.Kind), string(res.Status), res.Reason).Inc()
	m.operationDuration.WithLabelValues(string(res.Kind), string(res.Status)).Observe(res.Elapsed.Seconds())
}

func (m *Metrics) incReplay(kind operation.Kind) {
	m.replaysTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incHTTP(method, route string, status int) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
