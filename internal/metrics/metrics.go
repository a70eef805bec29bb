// Package metrics defines the Prometheus instrumentation shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Registry metrics
var (
	// ActiveConnections tracks currently registered connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_active_connections",
			Help: "Currently registered WebSocket connections",
		},
	)

	// ActiveSubscriptions tracks live (connection, target) subscription entries
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_active_subscriptions",
			Help: "Live subscription entries across all connections",
		},
	)

	// MessagesSentTotal counts successful outbound message deliveries
	MessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_messages_sent_total",
			Help: "Total messages delivered to connections",
		},
	)

	// SendFailuresTotal counts transport failures during delivery
	SendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_send_failures_total",
			Help: "Total transport failures while delivering messages",
		},
	)

	// HeartbeatDisconnectsTotal counts connections reclaimed by the heartbeat loop
	HeartbeatDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_heartbeat_disconnects_total",
			Help: "Connections disconnected after a failed keepalive",
		},
	)

	// ReconnectsTotal tracks session restore attempts by outcome
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_reconnects_total",
			Help: "Session restore attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Event Bridge metrics
var (
	// BridgeEventsPublished counts events published per channel family
	BridgeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_published_total",
			Help: "Events published to the bridge by channel family",
		},
		[]string{"family"},
	)

	// BridgeEventsReceived counts events received by the listener loop
	BridgeEventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_events_received_total",
			Help: "Events received by the bridge listener",
		},
	)

	// BridgeMalformedPayloads counts dropped non-JSON payloads
	BridgeMalformedPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_malformed_payloads_total",
			Help: "Events dropped because the payload was not valid JSON",
		},
	)

	// BridgeHandlerErrors counts handler failures isolated by the listener
	BridgeHandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_handler_errors_total",
			Help: "Handler errors caught by the bridge listener",
		},
	)
)

// Admission Controller metrics
var (
	// RateLimitChecksTotal tracks admission checks by mode and result
	RateLimitChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_checks_total",
			Help: "Admission checks by counter mode and result",
		},
		[]string{"mode", "result"},
	)

	// RateLimitFallbackActive is 1 while the local sliding-window counter is in use
	RateLimitFallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_fallback_active",
			Help: "1 when the local fallback counter is active, 0 when the distributed counter is used",
		},
	)

	// RateLimitFallbackKeys tracks keys held by the fallback counter
	RateLimitFallbackKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_fallback_keys",
			Help: "Keys currently tracked by the local fallback counter",
		},
	)
)

// Redis metrics
var (
	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisOpsTotal tracks Redis operations by operation and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)
)
