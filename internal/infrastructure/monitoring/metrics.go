package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/attachproc/internal/types"
)

// Metrics holds all Prometheus metrics and doubles as the telemetry sink
// for processing runs.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Run metrics
	RunsActive        prometheus.Gauge
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	AttachmentsBefore prometheus.Counter
	AttachmentsAfter  prometheus.Counter
	ProcessorCalls    *prometheus.CounterVec
	ProcessorDuration *prometheus.HistogramVec

	// Isolation metrics
	HostsActive     prometheus.Gauge
	IsolationCalls  *prometheus.CounterVec
	IsolationErrors *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current run totals for the JSON API
type Snapshot struct {
	RunsStarted   int64            `json:"runs_started"`
	RunsActive    int64            `json:"runs_active"`
	RunsByState   map[string]int64 `json:"runs_by_state"`
	LastState     string           `json:"last_state,omitempty"`
	LastElapsedMS int64            `json:"last_elapsed_ms"`
}

var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// NewMetrics creates metrics registered on reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachproc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attachproc_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"method", "path"},
		),

		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attachproc_runs_active",
				Help: "Number of attachment processing runs in progress",
			},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachproc_runs_total",
				Help: "Finished attachment processing runs by final state",
			},
			[]string{"state"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attachproc_run_duration_seconds",
				Help:    "Attachment processing run duration in seconds",
				Buckets: durationBuckets,
			},
		),
		AttachmentsBefore: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attachproc_attachment_sets_sent_total",
				Help: "Attachment sets sent for processing",
			},
		),
		AttachmentsAfter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attachproc_attachment_sets_returned_total",
				Help: "Attachment sets returned after processing",
			},
		),
		ProcessorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachproc_processor_invocations_total",
				Help: "Attachment processor invocations",
			},
			[]string{"processor", "status"},
		),
		ProcessorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attachproc_processor_duration_seconds",
				Help:    "Attachment processor invocation duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"processor"},
		),

		HostsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attachproc_isolated_hosts_active",
				Help: "Number of live isolated extension processes",
			},
		),
		IsolationCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachproc_isolation_calls_total",
				Help: "RPCs sent to isolated extension processes",
			},
			[]string{"method", "code"},
		),
		IsolationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachproc_isolation_errors_total",
				Help: "Isolated extension failures by stage",
			},
			[]string{"stage"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attachproc_ws_connections",
				Help: "Number of active design-mode WebSocket sessions",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachproc_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		snapshot: Snapshot{RunsByState: make(map[string]int64)},
	}
}

// ProcessingStarted marks the start of a run.
func (m *Metrics) ProcessingStarted() {
	m.RunsActive.Inc()

	m.mu.Lock()
	m.snapshot.RunsStarted++
	m.snapshot.RunsActive++
	m.mu.Unlock()
}

// ProcessingStopped records the end of a run.
func (m *Metrics) ProcessingStopped(state types.State, before, after int, elapsed time.Duration) {
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(string(state)).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	m.AttachmentsBefore.Add(float64(before))
	m.AttachmentsAfter.Add(float64(after))

	m.mu.Lock()
	m.snapshot.RunsActive--
	m.snapshot.RunsByState[string(state)]++
	m.snapshot.LastState = string(state)
	m.snapshot.LastElapsedMS = elapsed.Milliseconds()
	m.mu.Unlock()
}

// ProcessorInvoked records one processor invocation.
func (m *Metrics) ProcessorInvoked(name, status string, duration time.Duration) {
	m.ProcessorCalls.WithLabelValues(name, status).Inc()
	m.ProcessorDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordIsolationCall records an RPC to an isolated extension
func (m *Metrics) RecordIsolationCall(method, code string) {
	m.IsolationCalls.WithLabelValues(method, code).Inc()
}

// RecordIsolationError records a failed isolation stage (start, ready, describe, shutdown)
func (m *Metrics) RecordIsolationError(stage string) {
	m.IsolationErrors.WithLabelValues(stage).Inc()
}

// HostStarted increments live isolated hosts
func (m *Metrics) HostStarted() {
	m.HostsActive.Inc()
}

// HostStopped decrements live isolated hosts
func (m *Metrics) HostStopped() {
	m.HostsActive.Dec()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns a copy of the current run totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.RunsByState = make(map[string]int64, len(m.snapshot.RunsByState))
	for k, v := range m.snapshot.RunsByState {
		s.RunsByState[k] = v
	}
	return s
}
