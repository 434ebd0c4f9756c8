// Package observability provides prometheus metrics and audit logging.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	executionsTotal     *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	rateLimitRejections *prometheus.CounterVec
	streamTurnsTotal    *prometheus.CounterVec
	streamEventsTotal   *prometheus.CounterVec
	connectedClients    prometheus.Gauge
	sandboxRunsTotal    *prometheus.CounterVec
	sandboxRunDuration  prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			executionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_executions_total",
					Help: "Total tool executions by tool and terminal status.",
				},
				[]string{"tool", "status"},
			),
			executionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration by tool.",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
				},
				[]string{"tool"},
			),
			rateLimitRejections: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rate_limit_rejections_total",
					Help: "Tool invocations rejected by the rate limiter.",
				},
				[]string{"tool"},
			),
			streamTurnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_turns_total",
					Help: "Completed streaming turns by outcome.",
				},
				[]string{"outcome"},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Stream events published by type.",
				},
				[]string{"type"},
			),
			connectedClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "connected_clients",
					Help: "Currently connected WebSocket clients.",
				},
			),
			sandboxRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandbox_runs_total",
					Help: "Sandbox runs by outcome kind.",
				},
				[]string{"kind"},
			),
			sandboxRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sandbox_run_duration_seconds",
					Help:    "Wall-clock duration of sandbox runs.",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
				},
			),
		}

		prometheus.MustRegister(
			m.executionsTotal,
			m.executionDuration,
			m.rateLimitRejections,
			m.streamTurnsTotal,
			m.streamEventsTotal,
			m.connectedClients,
			m.sandboxRunsTotal,
			m.sandboxRunDuration,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration at startup.
func EnsureRegistered() { getMetrics() }

// MetricsHandler returns the /metrics HTTP handler.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// RecordExecution records a finished tool execution.
func RecordExecution(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.executionsTotal.WithLabelValues(tool, status).Inc()
	m.executionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRateLimitRejection counts a rate-limited invocation.
func RecordRateLimitRejection(tool string) {
	getMetrics().rateLimitRejections.WithLabelValues(tool).Inc()
}

// RecordStreamTurn records a completed streaming turn.
func RecordStreamTurn(outcome string) {
	getMetrics().streamTurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordStreamEvent counts one published stream event.
func RecordStreamEvent(eventType string) {
	getMetrics().streamEventsTotal.WithLabelValues(eventType).Inc()
}

// SetConnectedClients updates the connected-clients gauge.
func SetConnectedClients(n int) {
	getMetrics().connectedClients.Set(float64(n))
}

// RecordSandboxRun records one sandbox run outcome.
func RecordSandboxRun(kind string, duration time.Duration) {
	m := getMetrics()
	m.sandboxRunsTotal.WithLabelValues(kind).Inc()
	m.sandboxRunDuration.Observe(duration.Seconds())
}
