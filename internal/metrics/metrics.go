// Package metrics exposes the agent's Prometheus instrumentation,
// grouped by component, following the one-struct-per-subsystem
// registration shape used throughout the example pack (e.g.
// internal/realtime.RealtimeMetrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the agent-wide metrics registry, one field per component
// that needs counters/gauges/histograms.
type Metrics struct {
	SyncAttemptsTotal   *prometheus.CounterVec
	SyncDurationSeconds prometheus.Histogram
	SyncCooldownSeconds prometheus.Gauge

	DeploymentsActionableTotal prometheus.Gauge
	DeploymentErrorsTotal      *prometheus.CounterVec

	MQTTConnectionsTotal *prometheus.CounterVec
	MQTTMessagesTotal    *prometheus.CounterVec

	TokenRefreshTotal *prometheus.CounterVec

	UnknownStatusTotal *prometheus.CounterVec
}

// New constructs a Metrics registry under the given namespace, using the
// default Prometheus registerer via promauto.
func New(namespace string) *Metrics {
	return &Metrics{
		SyncAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Total number of sync attempts, by outcome (success, network_error, other_error).",
		}, []string{"outcome"}),

		SyncDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of one full sync attempt (pull, apply, push).",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		SyncCooldownSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cooldown_seconds_remaining",
			Help:      "Seconds remaining until the sync loop's adaptive cooldown elapses.",
		}),

		DeploymentsActionableTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "actionable_total",
			Help:      "Number of deployments whose next reconciliation action is not a no-op, as of the last apply pass.",
		}),

		DeploymentErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "errors_total",
			Help:      "Total number of per-deployment reconciliation errors, by error kind.",
		}, []string{"kind"}),

		MQTTConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connections_total",
			Help:      "Total number of MQTT connect attempts, by result (connected, auth_error, network_error).",
		}, []string{"result"}),

		MQTTMessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_total",
			Help:      "Total number of MQTT messages handled, by topic kind (sync, ping, pong, sync_ack).",
		}, []string{"topic_kind"}),

		TokenRefreshTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "refresh_total",
			Help:      "Total number of token refresh attempts, by outcome (success, network_error, other_error).",
		}, []string{"outcome"}),

		UnknownStatusTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "unknown_status_total",
			Help:      "Total number of unrecognized status strings decoded from the control plane, by field (target_status, activity_status, error_status).",
		}, []string{"field"}),
	}
}
