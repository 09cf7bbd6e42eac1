package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("FLEET_AGENT_CONTROL_PLANE_BASE_URL", "https://cp.example.com")
	t.Setenv("FLEET_AGENT_MQTT_BROKER_URL", "tcp://broker.example.com:1883")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fleet-agent", cfg.Storage.Root)
	assert.Equal(t, 5*time.Minute, cfg.Sync.PollInterval)
	assert.Equal(t, 15.0, cfg.Sync.CooldownBaseSecs)
	assert.Equal(t, math.MaxInt32, cfg.Reconcile.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.MaxDelay)
	assert.False(t, cfg.Lifecycle.Persistent)
}

func TestLoadAllowsEnablingPersistentLifecycleMode(t *testing.T) {
	t.Setenv("FLEET_AGENT_CONTROL_PLANE_BASE_URL", "https://cp.example.com")
	t.Setenv("FLEET_AGENT_MQTT_BROKER_URL", "tcp://broker.example.com:1883")
	t.Setenv("FLEET_AGENT_LIFECYCLE_PERSISTENT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Lifecycle.Persistent)
}

func TestLoadAllowsOverridingMaxAttemptsToAFiniteValue(t *testing.T) {
	t.Setenv("FLEET_AGENT_CONTROL_PLANE_BASE_URL", "https://cp.example.com")
	t.Setenv("FLEET_AGENT_MQTT_BROKER_URL", "tcp://broker.example.com:1883")
	t.Setenv("FLEET_AGENT_RECONCILE_MAX_ATTEMPTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Reconcile.MaxAttempts)
}

func TestLoadReadsConfigFileOverDefaults(t *testing.T) {
	t.Setenv("FLEET_AGENT_MQTT_BROKER_URL", "tcp://broker.example.com:1883")

	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  root: /custom/root\ncontrol_plane:\n  base_url: https://cp.example.com\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/root", cfg.Storage.Root)
	assert.Equal(t, "https://cp.example.com", cfg.ControlPlane.BaseURL)
}

func TestLoadRejectsMissingBrokerURL(t *testing.T) {
	t.Setenv("FLEET_AGENT_CONTROL_PLANE_BASE_URL", "https://cp.example.com")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadToleratesMissingConfigFile(t *testing.T) {
	t.Setenv("FLEET_AGENT_CONTROL_PLANE_BASE_URL", "https://cp.example.com")
	t.Setenv("FLEET_AGENT_MQTT_BROKER_URL", "tcp://broker.example.com:1883")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}
