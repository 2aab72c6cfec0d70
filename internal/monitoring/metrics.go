// Package monitoring exposes Prometheus instrumentation for the ingest
// pipeline: connector throughput, queue depth per priority band, circuit
// breaker state and agent fleet health. All metrics are registered on the
// default registry and served from /metrics by the API server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion service.
type Metrics struct {
	// Connector metrics
	EventsIngested  *prometheus.CounterVec
	ConnectorErrors *prometheus.CounterVec
	ConnectorStatus *prometheus.GaugeVec
	EventsPerMinute *prometheus.GaugeVec

	// Poll metrics
	PollDuration *prometheus.HistogramVec
	PollPages    *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec

	// Queue metrics
	QueueDepth    *prometheus.GaugeVec
	QueueJobs     *prometheus.CounterVec
	QueueShed     prometheus.Counter
	QueueJobDelay *prometheus.HistogramVec

	// Normalization metrics
	AlertsCreated  *prometheus.CounterVec
	IntelCreated   *prometheus.CounterVec
	ParserFallback *prometheus.CounterVec

	// Agent fleet metrics
	AgentsRegistered prometheus.Counter
	AgentsActive     prometheus.Gauge
	AgentHeartbeats  *prometheus.CounterVec

	// Syslog metrics
	SyslogMessages *prometheus.CounterVec
	SyslogDropped  *prometheus.CounterVec

	// Realtime push metrics
	RealtimeClients prometheus.Gauge
	RealtimeDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn registers on a caller-supplied registry. Tests use this to
// avoid duplicate registration across cases.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_events_total",
				Help: "Total raw events ingested per connector",
			},
			[]string{"connector", "type"},
		),

		ConnectorErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_connector_errors_total",
				Help: "Total connector errors by stage",
			},
			[]string{"connector", "stage"}, // stage: connect, fetch, parse, store
		),

		ConnectorStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_connector_status",
				Help: "Connector lifecycle state (0=disabled 1=active 2=paused 3=error 4=warning)",
			},
			[]string{"connector", "type"},
		),

		EventsPerMinute: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_connector_events_per_minute",
				Help: "Rolling one-minute event rate per connector",
			},
			[]string{"connector"},
		),

		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_poll_duration_seconds",
				Help:    "Duration of API poll cycles including pagination",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"connector"},
		),

		PollPages: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_poll_pages",
				Help:    "Pages fetched per poll cycle",
				Buckets: []float64{1, 2, 3, 5, 8, 10},
			},
			[]string{"connector"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rate_limited_total",
				Help: "Total requests delayed or rejected by the rate limiter",
			},
			[]string{"connector"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_breaker_state",
				Help: "Circuit breaker state (0=closed 1=open 2=half-open)",
			},
			[]string{"connector"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Pending jobs per priority band",
			},
			[]string{"priority"}, // critical, high, medium, low
		),

		QueueJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_queue_jobs_total",
				Help: "Queue jobs by terminal outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		QueueShed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_queue_shed_total",
				Help: "Jobs rejected because the queue was at capacity",
			},
		),

		QueueJobDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_queue_job_delay_seconds",
				Help:    "Time between enqueue and completion",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"priority"},
		),

		AlertsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_alerts_created_total",
				Help: "Alerts produced by the normalization pipeline",
			},
			[]string{"vendor", "severity"},
		),

		IntelCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_intel_created_total",
				Help: "Threat intel records produced by the normalization pipeline",
			},
			[]string{"vendor", "intel_type"},
		),

		ParserFallback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_parser_fallback_total",
				Help: "Events routed to the AI parser because no vendor rule matched",
			},
			[]string{"vendor", "result"}, // result: parsed, skipped
		),

		AgentsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_agents_registered_total",
				Help: "Total agent registrations accepted",
			},
		),

		AgentsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_agents_active",
				Help: "Agents currently within their heartbeat window",
			},
		),

		AgentHeartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_agent_heartbeats_total",
				Help: "Heartbeats received per agent result",
			},
			[]string{"result"}, // accepted, stale, rejected
		),

		SyslogMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_syslog_messages_total",
				Help: "Syslog messages parsed per transport",
			},
			[]string{"connector", "transport"}, // transport: udp, tcp, tls
		),

		SyslogDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_syslog_dropped_total",
				Help: "Syslog messages dropped by filters or parse failures",
			},
			[]string{"connector", "reason"}, // reason: filter, parse
		),

		RealtimeClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_realtime_clients",
				Help: "WebSocket dashboard clients currently connected",
			},
		),

		RealtimeDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_realtime_dropped_total",
				Help: "Realtime frames dropped because a client buffer was full",
			},
		),
	}
}

// RecordEvent records one ingested raw event.
func (m *Metrics) RecordEvent(connector, connectorType string) {
	m.EventsIngested.WithLabelValues(connector, connectorType).Inc()
}

// RecordConnectorError records a connector failure at a given stage.
func (m *Metrics) RecordConnectorError(connector, stage string) {
	m.ConnectorErrors.WithLabelValues(connector, stage).Inc()
}

// SetConnectorStatus updates the lifecycle gauge for a connector.
func (m *Metrics) SetConnectorStatus(connector, connectorType string, status float64) {
	m.ConnectorStatus.WithLabelValues(connector, connectorType).Set(status)
}

// RecordPoll records a completed poll cycle.
func (m *Metrics) RecordPoll(connector string, seconds float64, pages int) {
	m.PollDuration.WithLabelValues(connector).Observe(seconds)
	m.PollPages.WithLabelValues(connector).Observe(float64(pages))
}

// SetBreakerState mirrors the circuit breaker state into a gauge.
func (m *Metrics) SetBreakerState(connector string, state float64) {
	m.BreakerState.WithLabelValues(connector).Set(state)
}

// RecordQueueJob records a terminal queue outcome and its end-to-end delay.
func (m *Metrics) RecordQueueJob(priority string, completed bool, delaySeconds float64) {
	outcome := "failed"
	if completed {
		outcome = "completed"
	}
	m.QueueJobs.WithLabelValues(outcome).Inc()
	m.QueueJobDelay.WithLabelValues(priority).Observe(delaySeconds)
}

// SetQueueDepth updates the pending gauge for one priority band.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordAlert records a normalized alert.
func (m *Metrics) RecordAlert(vendor, severity string) {
	m.AlertsCreated.WithLabelValues(vendor, severity).Inc()
}

// RecordIntel records a normalized threat intel item.
func (m *Metrics) RecordIntel(vendor, intelType string) {
	m.IntelCreated.WithLabelValues(vendor, intelType).Inc()
}

// RecordParserFallback records an AI parser invocation.
func (m *Metrics) RecordParserFallback(vendor string, parsed bool) {
	result := "skipped"
	if parsed {
		result = "parsed"
	}
	m.ParserFallback.WithLabelValues(vendor, result).Inc()
}

// RecordHeartbeat records an agent heartbeat result.
func (m *Metrics) RecordHeartbeat(result string) {
	m.AgentHeartbeats.WithLabelValues(result).Inc()
}

// SetRealtimeClients updates the connected dashboard client gauge.
func (m *Metrics) SetRealtimeClients(n int) {
	m.RealtimeClients.Set(float64(n))
}

// RecordRealtimeDrop records one frame shed on a full client buffer.
func (m *Metrics) RecordRealtimeDrop() {
	m.RealtimeDropped.Inc()
}
