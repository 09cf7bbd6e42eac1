// Package config loads the agent's runtime configuration from a config
// file, environment variables, and built-in defaults, using the same
// viper-based layering the control plane's own config package uses
// (spec.md §1's "CLI parsing, logging setup, and storage-directory
// bootstrap" is out of the core's scope, but the config struct that
// feeds the supervisor still needs a home).
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the agent's fully-resolved runtime configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Storage      StorageConfig      `mapstructure:"storage"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// AppConfig identifies this agent build and its provisioned identity.
// DeviceID is burned in at provisioning time (alongside the key pair under
// Storage.Root/auth/) so the supervisor's startup self-heal (spec.md §4.8
// step 1) has a device id to sign a default token for before any device
// record or control-plane-issued token exists yet.
type AppConfig struct {
	AgentVersion string `mapstructure:"agent_version"`
	DeviceID     string `mapstructure:"device_id"`
}

// StorageConfig locates the per-agent storage root spec.md §6 describes
// (device.json, settings.json, auth/, caches/, content/, deployments/).
type StorageConfig struct {
	Root              string        `mapstructure:"root"`
	DefaultTokenTTL    time.Duration `mapstructure:"default_token_ttl"`
	DeploymentCacheCap int           `mapstructure:"deployment_cache_capacity"`
	ConfigCacheCap     int           `mapstructure:"config_cache_capacity"`
	ContentCacheCap    int           `mapstructure:"content_cache_capacity"`
}

// ControlPlaneConfig configures the HTTP client in internal/controlplane.
type ControlPlaneConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MQTTConfig configures internal/mqttclient.
type MQTTConfig struct {
	BrokerURL        string        `mapstructure:"broker_url"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

// SyncConfig configures the sync loop's cooldown and the workers' own
// poll/backoff/refresh arithmetic (spec.md §4.5, §4.6).
type SyncConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	TokenRefreshAdvance  time.Duration `mapstructure:"token_refresh_advance"`
	CooldownBaseSecs     float64       `mapstructure:"cooldown_base_secs"`
	CooldownGrowthFactor float64       `mapstructure:"cooldown_growth_factor"`
	CooldownMaxSecs      float64       `mapstructure:"cooldown_max_secs"`
}

// ReconcileConfig configures the deployment FSM's attempt/backoff policy
// (spec.md §4.1). MaxAttempts defaults to effectively unbounded, matching
// spec.md's stated shipped default, but is exposed here so an operator can
// configure a finite value.
type ReconcileConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	GrowthFactor float64       `mapstructure:"growth_factor"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LifecycleConfig configures the supervisor's shutdown triggers
// (spec.md §4.8). Persistent, when true, disables the idle-timeout and
// max-runtime triggers entirely regardless of IdleTimeout/MaxRuntime —
// shutdown then waits only on the external signal.
type LifecycleConfig struct {
	MaxShutdownDelay time.Duration `mapstructure:"max_shutdown_delay"`
	Persistent       bool          `mapstructure:"persistent"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	IdlePollInterval time.Duration `mapstructure:"idle_poll_interval"`
	MaxRuntime       time.Duration `mapstructure:"max_runtime"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures internal/metrics's Prometheus registry.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.agent_version", "dev")

	v.SetDefault("storage.root", "/var/lib/fleet-agent")
	v.SetDefault("storage.default_token_ttl", "1h")
	v.SetDefault("storage.deployment_cache_capacity", 4096)
	v.SetDefault("storage.config_cache_capacity", 8192)
	v.SetDefault("storage.content_cache_capacity", 8192)

	v.SetDefault("control_plane.base_url", "")
	v.SetDefault("control_plane.timeout", "15s")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.subscribe_timeout", "5s")
	v.SetDefault("mqtt.publish_timeout", "5s")

	v.SetDefault("sync.poll_interval", "5m")
	v.SetDefault("sync.token_refresh_advance", "5m")
	v.SetDefault("sync.cooldown_base_secs", 15.0)
	v.SetDefault("sync.cooldown_growth_factor", 2.0)
	v.SetDefault("sync.cooldown_max_secs", 86400.0)

	v.SetDefault("reconcile.max_attempts", math.MaxInt32)
	v.SetDefault("reconcile.base_delay", "15s")
	v.SetDefault("reconcile.growth_factor", 2.0)
	v.SetDefault("reconcile.max_delay", "24h")

	v.SetDefault("lifecycle.max_shutdown_delay", "30s")
	v.SetDefault("lifecycle.persistent", false)
	v.SetDefault("lifecycle.idle_timeout", "0s")
	v.SetDefault("lifecycle.idle_poll_interval", "1m")
	v.SetDefault("lifecycle.max_runtime", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration from configPath (if non-empty and present),
// layering environment variables (prefixed FLEET_AGENT_, with "." mapped
// to "_") and built-in defaults beneath it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("fleet_agent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks the handful of fields that have no sane default and
// would otherwise fail confusingly deep inside a collaborator.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root must not be empty")
	}
	if c.ControlPlane.BaseURL == "" {
		return fmt.Errorf("control_plane.base_url must not be empty")
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url must not be empty")
	}
	return nil
}
