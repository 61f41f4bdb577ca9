package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks pooled sessions per broker and liveness
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerlink_sessions",
			Help: "Number of pooled broker sessions",
		},
		[]string{"broker", "live"},
	)

	// ConnectTotal tracks connect outcomes per broker and auth flow
	ConnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_connect_total",
			Help: "Total number of connect attempts by flow and outcome",
		},
		[]string{"broker", "flow", "outcome"},
	)

	// SessionsReclaimed tracks sessions removed by the idle sweep
	SessionsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_sessions_reclaimed_total",
			Help: "Total number of idle sessions removed by the sweep",
		},
		[]string{"broker"},
	)

	// BrokerCallsTotal tracks broker calls made through the retry executor
	BrokerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_broker_calls_total",
			Help: "Total number of broker call attempts",
		},
		[]string{"broker", "operation", "outcome"},
	)

	// BrokerCallLatency tracks broker call latency
	BrokerCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brokerlink_broker_call_latency_seconds",
			Help:    "Broker call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"broker", "operation"},
	)

	// RetriesTotal tracks retries by error kind
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_retries_total",
			Help: "Total number of retried broker calls",
		},
		[]string{"broker", "operation", "kind"},
	)

	// RateLimitRejections tracks calls that found their window exhausted
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_rate_limit_rejections_total",
			Help: "Total number of calls rejected by the rate limiter",
		},
		[]string{"broker", "operation"},
	)

	// OrdersTracked tracks the active poll set per broker
	OrdersTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerlink_orders_tracked",
			Help: "Number of orders in the poll set",
		},
		[]string{"broker"},
	)

	// OrderTransitions tracks canonical status changes
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_order_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"broker", "from", "to"},
	)

	// UnmappedStatuses tracks broker statuses with no canonical mapping
	UnmappedStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_unmapped_statuses_total",
			Help: "Total number of broker statuses mapped to UNKNOWN",
		},
		[]string{"broker"},
	)

	// PollFailures tracks order polls that exhausted their retries
	PollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_poll_failures_total",
			Help: "Total number of order polls that failed after retries",
		},
		[]string{"broker", "kind"},
	)

	// PollCycleDuration tracks the duration of one broker poll cycle
	PollCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brokerlink_poll_cycle_seconds",
			Help:    "Duration of one broker poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"broker"},
	)

	// OrderResubmissions tracks order retry outcomes
	OrderResubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_order_resubmissions_total",
			Help: "Total number of order resubmissions by outcome",
		},
		[]string{"broker", "outcome"},
	)

	// TelemetryEvents tracks emitted telemetry events by type and outcome
	TelemetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_telemetry_events_total",
			Help: "Total number of telemetry events emitted",
		},
		[]string{"type", "broker", "outcome"},
	)

	// TelemetryDropped tracks events a sink failed to deliver
	TelemetryDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_telemetry_dropped_total",
			Help: "Total number of telemetry events a sink failed to deliver",
		},
		[]string{"sink"},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brokerlink_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// StoreUpdateFailures tracks order store writes that failed
	StoreUpdateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerlink_store_update_failures_total",
			Help: "Total number of failed order store writes",
		},
		[]string{"operation"},
	)
)
