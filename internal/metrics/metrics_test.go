package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionGaugeTracksAddAndRemove(t *testing.T) {
	before := testutil.ToFloat64(sessionsGauge.WithLabelValues(KindDevice))

	SessionAdded(KindDevice)
	SessionAdded(KindDevice)
	SessionRemoved(KindDevice)

	assert.Equal(t, before+1, testutil.ToFloat64(sessionsGauge.WithLabelValues(KindDevice)))
}

func TestCountersIncrement(t *testing.T) {
	tests := []struct {
		name    string
		record  func()
		collect func() float64
	}{
		{
			name:    "auth",
			record:  func() { AuthResult("invalid") },
			collect: func() float64 { return testutil.ToFloat64(authCounter.WithLabelValues("invalid")) },
		},
		{
			name:    "routed",
			record:  func() { Routed("to_device", "delivered") },
			collect: func() float64 { return testutil.ToFloat64(routedCounter.WithLabelValues("to_device", "delivered")) },
		},
		{
			name:    "replaced",
			record:  DeviceReplaced,
			collect: func() float64 { return testutil.ToFloat64(replacedCounter) },
		},
		{
			name:    "liveness",
			record:  func() { LivenessTerminated(KindOperator) },
			collect: func() float64 { return testutil.ToFloat64(livenessKills.WithLabelValues(KindOperator)) },
		},
		{
			name:    "poll",
			record:  func() { PollResult("matched") },
			collect: func() float64 { return testutil.ToFloat64(pollCounter.WithLabelValues("matched")) },
		},
		{
			name:    "cache",
			record:  func() { CacheResult("hit") },
			collect: func() float64 { return testutil.ToFloat64(cacheCounter.WithLabelValues("hit")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.collect()
			tt.record()
			assert.Equal(t, before+1, tt.collect())
		})
	}
}
