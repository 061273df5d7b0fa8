// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsInFlight prometheus.Gauge

	// Node metrics
	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec
	NodeRetriesTotal      *prometheus.CounterVec

	// Stream hub metrics
	StreamSubscribersGauge prometheus.Gauge
	StreamDroppedTotal     *prometheus.CounterVec

	// Secure device channel metrics
	DeviceChannelEventsTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Execution metrics
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_executions_total",
				Help: "Total number of flow executions",
			},
			[]string{"service", "flow_id", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_execution_duration_seconds",
				Help:    "Flow execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"service", "flow_id"},
		),
		ExecutionsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flow_executions_in_flight",
				Help: "Current number of in-flight flow executions",
			},
		),

		// Node metrics
		NodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_executions_total",
				Help: "Total number of node executions",
			},
			[]string{"service", "node_type", "status"},
		),
		NodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "node_execution_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"service", "node_type"},
		),
		NodeRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_retries_total",
				Help: "Total number of node execution retries",
			},
			[]string{"service", "node_type"},
		),

		// Stream hub metrics
		StreamSubscribersGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_subscribers",
				Help: "Current number of execution stream subscribers",
			},
		),
		StreamDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_events_dropped_total",
				Help: "Total number of stream events dropped by overflow policy",
			},
			[]string{"service", "policy"},
		),

		// Secure device channel metrics
		DeviceChannelEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "device_channel_events_total",
				Help: "Total number of secure device channel events",
			},
			[]string{"service", "event", "result"},
		),

		// Queue metrics
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "execution_queue_depth",
				Help: "Current depth of the execution admission queue",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.ExecutionsInFlight,
			m.NodeExecutionsTotal,
			m.NodeExecutionDuration,
			m.NodeRetriesTotal,
			m.StreamSubscribersGauge,
			m.StreamDroppedTotal,
			m.DeviceChannelEventsTotal,
			m.QueueDepth,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordExecution records a completed flow execution.
func (m *Metrics) RecordExecution(service, flowID, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(service, flowID, status).Inc()
	m.ExecutionDuration.WithLabelValues(service, flowID).Observe(duration.Seconds())
}

// RecordNodeExecution records a completed node execution.
func (m *Metrics) RecordNodeExecution(service, nodeType, status string, duration time.Duration) {
	m.NodeExecutionsTotal.WithLabelValues(service, nodeType, status).Inc()
	m.NodeExecutionDuration.WithLabelValues(service, nodeType).Observe(duration.Seconds())
}

// RecordNodeRetry records a node execution retry attempt.
func (m *Metrics) RecordNodeRetry(service, nodeType string) {
	m.NodeRetriesTotal.WithLabelValues(service, nodeType).Inc()
}

// RecordStreamDropped records an execution-stream event dropped by an
// overflow policy (drop-oldest, coalesce, or disconnect-on-critical-loss).
func (m *Metrics) RecordStreamDropped(service, policy string) {
	m.StreamDroppedTotal.WithLabelValues(service, policy).Inc()
}

// RecordDeviceChannelEvent records a secure device channel event
// (handshake, send, receive) and its result (success, replay, tampered, ...).
func (m *Metrics) RecordDeviceChannelEvent(service, event, result string) {
	m.DeviceChannelEventsTotal.WithLabelValues(service, event, result).Inc()
}

// SetQueueDepth sets the current execution admission queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// SetStreamSubscribers sets the current execution stream subscriber count.
func (m *Metrics) SetStreamSubscribers(count int) {
	m.StreamSubscribersGauge.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// IncrementExecutionsInFlight increments the in-flight executions gauge.
func (m *Metrics) IncrementExecutionsInFlight() {
	m.ExecutionsInFlight.Inc()
}

// DecrementExecutionsInFlight decrements the in-flight executions gauge.
func (m *Metrics) DecrementExecutionsInFlight() {
	m.ExecutionsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return getEnvironment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
