package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics for the agent server: model gateway calls, sandbox submits, the
// Session Registry, and the SSE transport.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordModelGateway("gpt-5-mini", "success", time.Since(start).Seconds(), tokens)
type Metrics struct {
	// ModelGatewayDuration measures Complete() latency in seconds.
	// Labels: model, status (success|error)
	ModelGatewayDuration *prometheus.HistogramVec

	// ModelGatewayTokens tracks cumulative tokens reported by the gateway.
	// Labels: model
	ModelGatewayTokens *prometheus.CounterVec

	// LoopSteps counts think/act/observe iterations taken per turn.
	// Labels: outcome (final|tool_calls|max_steps)
	LoopSteps *prometheus.CounterVec

	// SandboxSubmitDuration measures a Controller.Submit round trip.
	// Labels: status (success|timeout|unavailable|error)
	SandboxSubmitDuration *prometheus.HistogramVec

	// SandboxSubmitCounter counts submits by outcome.
	// Labels: status (success|timeout|unavailable|error)
	SandboxSubmitCounter *prometheus.CounterVec

	// SandboxProcessesStarted counts sandbox process constructions.
	SandboxProcessesStarted prometheus.Counter

	// RegistryEvictions counts sessions removed from the Session Registry.
	// Labels: reason (idle|capacity)
	RegistryEvictions *prometheus.CounterVec

	// RegistryActiveSessions is a gauge of sessions currently tracked.
	RegistryActiveSessions prometheus.Gauge

	// SSEConnections is a gauge of open /agent-stream connections.
	SSEConnections prometheus.Gauge

	// HTTPRequestDuration measures HTTP handler latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// application startup; the collectors register against the default
// registry so they surface on a standard /metrics handler.
func NewMetrics() *Metrics {
	return &Metrics{
		ModelGatewayDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_model_gateway_duration_seconds",
				Help:    "Duration of model gateway Complete() calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "status"},
		),

		ModelGatewayTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_model_gateway_tokens_total",
				Help: "Total tokens reported by the model gateway",
			},
			[]string{"model"},
		),

		LoopSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_loop_steps_total",
				Help: "Agent loop iterations by outcome",
			},
			[]string{"outcome"},
		),

		SandboxSubmitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_sandbox_submit_duration_seconds",
				Help:    "Duration of sandbox Submit() calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		SandboxSubmitCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_sandbox_submits_total",
				Help: "Total sandbox submits by outcome",
			},
			[]string{"status"},
		),

		SandboxProcessesStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "agentloop_sandbox_processes_started_total",
				Help: "Total sandbox processes constructed",
			},
		),

		RegistryEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_registry_evictions_total",
				Help: "Session Registry evictions by reason",
			},
			[]string{"reason"},
		),

		RegistryActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentloop_registry_active_sessions",
				Help: "Current number of sessions tracked by the Session Registry",
			},
		),

		SSEConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentloop_sse_connections",
				Help: "Current number of open /agent-stream connections",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordModelGateway records one Complete() call's outcome.
func (m *Metrics) RecordModelGateway(model, status string, durationSeconds float64, tokens int) {
	m.ModelGatewayDuration.WithLabelValues(model, status).Observe(durationSeconds)
	if tokens > 0 {
		m.ModelGatewayTokens.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordLoopStep records one agent loop iteration's outcome.
func (m *Metrics) RecordLoopStep(outcome string) {
	m.LoopSteps.WithLabelValues(outcome).Inc()
}

// RecordSandboxSubmit records one Controller.Submit call's outcome.
func (m *Metrics) RecordSandboxSubmit(status string, durationSeconds float64) {
	m.SandboxSubmitCounter.WithLabelValues(status).Inc()
	m.SandboxSubmitDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordSandboxProcessStarted increments the sandbox-process-construction
// counter; call once per successful sandbox.New.
func (m *Metrics) RecordSandboxProcessStarted() {
	m.SandboxProcessesStarted.Inc()
}

// RecordRegistryEviction records one session removed from the registry.
func (m *Metrics) RecordRegistryEviction(reason string) {
	m.RegistryEvictions.WithLabelValues(reason).Inc()
}

// SetRegistryActiveSessions sets the current tracked-session gauge.
func (m *Metrics) SetRegistryActiveSessions(count int) {
	m.RegistryActiveSessions.Set(float64(count))
}

// SSEConnectionOpened increments the open-connections gauge.
func (m *Metrics) SSEConnectionOpened() {
	m.SSEConnections.Inc()
}

// SSEConnectionClosed decrements the open-connections gauge.
func (m *Metrics) SSEConnectionClosed() {
	m.SSEConnections.Dec()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
