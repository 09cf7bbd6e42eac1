package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersAllFields(t *testing.T) {
	m := New("test_new_registers_all_fields")

	assert.NotNil(t, m.SyncAttemptsTotal)
	assert.NotNil(t, m.SyncDurationSeconds)
	assert.NotNil(t, m.SyncCooldownSeconds)
	assert.NotNil(t, m.DeploymentsActionableTotal)
	assert.NotNil(t, m.DeploymentErrorsTotal)
	assert.NotNil(t, m.MQTTConnectionsTotal)
	assert.NotNil(t, m.MQTTMessagesTotal)
	assert.NotNil(t, m.TokenRefreshTotal)
	assert.NotNil(t, m.UnknownStatusTotal)
}

func TestSyncAttemptsTotalCountsByOutcome(t *testing.T) {
	m := New("test_sync_attempts_total")

	m.SyncAttemptsTotal.WithLabelValues("success").Inc()
	m.SyncAttemptsTotal.WithLabelValues("success").Inc()
	m.SyncAttemptsTotal.WithLabelValues("network_error").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncAttemptsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncAttemptsTotal.WithLabelValues("network_error")))
}

func TestUnknownStatusTotalCountsByField(t *testing.T) {
	m := New("test_unknown_status_total")

	m.UnknownStatusTotal.WithLabelValues("target_status").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnknownStatusTotal.WithLabelValues("target_status")))
}

func TestSyncCooldownSecondsIsSettableGauge(t *testing.T) {
	m := New("test_sync_cooldown_seconds")

	m.SyncCooldownSeconds.Set(42)

	assert.Equal(t, 42.0, testutil.ToFloat64(m.SyncCooldownSeconds))
}
