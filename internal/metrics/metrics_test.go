package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Verify all metrics are registered without conflicts
	// This test ensures no duplicate metric names

	metrics := []prometheus.Collector{
		// Registry metrics
		ActiveConnections,
		ActiveSubscriptions,
		MessagesSentTotal,
		SendFailuresTotal,
		HeartbeatDisconnectsTotal,
		ReconnectsTotal,

		// Bridge metrics
		BridgeEventsPublished,
		BridgeEventsReceived,
		BridgeMalformedPayloads,
		BridgeHandlerErrors,

		// Admission metrics
		RateLimitChecksTotal,
		RateLimitFallbackActive,
		RateLimitFallbackKeys,

		// Redis metrics
		RedisOpDuration,
		RedisOpsTotal,
	}

	for _, m := range metrics {
		assert.NotNil(t, m)
	}
}

func TestCounterIncrement(t *testing.T) {
	before := testutil.ToFloat64(MessagesSentTotal)
	MessagesSentTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesSentTotal))
}

func TestGaugeSet(t *testing.T) {
	RateLimitFallbackActive.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(RateLimitFallbackActive))
	RateLimitFallbackActive.Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(RateLimitFallbackActive))
}

func TestLabeledCounters(t *testing.T) {
	ReconnectsTotal.WithLabelValues("restored").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(ReconnectsTotal.WithLabelValues("restored")), float64(1))

	RateLimitChecksTotal.WithLabelValues("fallback", "allowed").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(RateLimitChecksTotal.WithLabelValues("fallback", "allowed")), float64(1))
}
