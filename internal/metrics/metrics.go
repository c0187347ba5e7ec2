// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session kinds used as label values.
const (
	KindDevice   = "device"
	KindOperator = "operator"
)

var (
	sessionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_sessions",
		Help: "Number of registered sessions",
	}, []string{"kind"})

	authCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_device_auth_total",
		Help: "Device authentication attempts by result",
	}, []string{"result"}) // ok, malformed, invalid, unavailable, throttled

	routedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Routed application messages by direction and outcome",
	}, []string{"direction", "outcome"})

	replacedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_device_replacements_total",
		Help: "Device connections displaced by a newer connection for the same name",
	})

	livenessKills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_liveness_terminations_total",
		Help: "Sessions terminated for missing a ping cycle",
	}, []string{"kind"})

	pollCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_trigger_polls_total",
		Help: "Condition polls by result",
	}, []string{"result"}) // matched, unmatched, error

	cacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_assignment_cache_total",
		Help: "Assignment cache lookups by result",
	}, []string{"result"}) // hit, miss, unresolved, discarded
)

// SessionAdded increments the registered session gauge.
func SessionAdded(kind string) { sessionsGauge.WithLabelValues(kind).Inc() }

// SessionRemoved decrements the registered session gauge.
func SessionRemoved(kind string) { sessionsGauge.WithLabelValues(kind).Dec() }

// AuthResult records the outcome of a device authentication attempt.
func AuthResult(result string) { authCounter.WithLabelValues(result).Inc() }

// Routed records a routing decision.
func Routed(direction, outcome string) { routedCounter.WithLabelValues(direction, outcome).Inc() }

// DeviceReplaced records a reconnect that displaced an open connection.
func DeviceReplaced() { replacedCounter.Inc() }

// LivenessTerminated records a session killed by the liveness sweep.
func LivenessTerminated(kind string) { livenessKills.WithLabelValues(kind).Inc() }

// PollResult records the outcome of one condition poll.
func PollResult(result string) { pollCounter.WithLabelValues(result).Inc() }

// CacheResult records an assignment cache lookup.
func CacheResult(result string) { cacheCounter.WithLabelValues(result).Inc() }
