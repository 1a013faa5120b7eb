package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outbound delivery metrics
var (
	OutboundEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbot_outbound_enqueued_total",
			Help: "Total number of messages appended to the delivery queue",
		},
	)

	OutboundSendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_outbound_send_attempts_total",
			Help: "Total number of SMTP send attempts by result",
		},
		[]string{"mode", "result"},
	)

	OutboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailbot_outbound_queue_depth",
			Help: "Number of messages waiting in the delivery queue",
		},
	)

	OutboundSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailbot_outbound_send_duration_seconds",
			Help:    "Duration of SMTP send attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SMTPErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_smtp_errors_total",
			Help: "SMTP errors by classification",
		},
		[]string{"kind"},
	)
)

// Inbound sync metrics
var (
	InboundPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_inbound_polls_total",
			Help: "Total number of identifier list polls by result",
		},
		[]string{"result"},
	)

	InboundNewMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbot_inbound_new_messages_total",
			Help: "Total number of messages detected as newly arrived",
		},
	)

	InboundFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbot_inbound_fetch_failures_total",
			Help: "Total number of new messages skipped because they could not be fetched",
		},
	)

	InboundSnapshotSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailbot_inbound_snapshot_size",
			Help: "Number of messages in the last identifier snapshot",
		},
	)
)

// Routing metrics
var (
	RoutingMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_routing_matches_total",
			Help: "Total number of messages matched per rule",
		},
		[]string{"rule"},
	)

	RoutingUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbot_routing_unmatched_total",
			Help: "Total number of messages no rule matched",
		},
	)

	RoutingPredicateErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_routing_predicate_errors_total",
			Help: "Total number of rule evaluations that failed",
		},
		[]string{"rule"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailbot_handler_duration_seconds",
			Help:    "Duration of rule handler executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule"},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_handler_panics_total",
			Help: "Total number of rule handlers that panicked",
		},
		[]string{"rule"},
	)
)

// Journal metrics
var (
	JournalEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailbot_journal_entries",
			Help: "Number of journal entries by direction and status",
		},
		[]string{"direction", "status"},
	)

	JournalWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbot_journal_write_errors_total",
			Help: "Total number of journal writes that failed",
		},
	)
)

// Health check metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailbot_component_health_status",
			Help: "Component health status (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbot_component_health_checks_total",
			Help: "Total number of health checks by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailbot_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)
)
