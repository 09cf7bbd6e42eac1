// Package cmd implements the agent's CLI: agent run builds every
// collaborator and hands them to the lifecycle supervisor; agent version
// prints build metadata. Flag parsing stays a thin shim around
// internal/config per spec.md §1's Non-goals — cobra is only the vehicle.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/fleet-agent/internal/activity"
	"github.com/vitaliisemenov/fleet-agent/internal/config"
	"github.com/vitaliisemenov/fleet-agent/internal/controlplane"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/metrics"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
	"github.com/vitaliisemenov/fleet-agent/internal/mqttclient"
	"github.com/vitaliisemenov/fleet-agent/internal/projection"
	"github.com/vitaliisemenov/fleet-agent/internal/supervisor"
	"github.com/vitaliisemenov/fleet-agent/internal/sync"
	"github.com/vitaliisemenov/fleet-agent/internal/token"
	"github.com/vitaliisemenov/fleet-agent/internal/worker"
	"github.com/vitaliisemenov/fleet-agent/pkg/logger"
)

// Build metadata, overridden at build time via -ldflags.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Fleet device agent",
	Long: `agent pulls deployment changes from the control plane (poll and MQTT
push), reconciles them onto the local filesystem, and reports status back
upstream, running until an external signal, idle timeout, or max runtime
ends it.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agent version %s\n", version)
		fmt.Printf("build time: %s\n", buildTime)
		fmt.Printf("git commit: %s\n", gitCommit)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent's lifecycle supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

// run wires every collaborator and blocks in the supervisor until shutdown.
func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("agent: load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	m := metrics.New("fleet_agent")
	model.SetUnknownStatusHook(func(field string) {
		m.UnknownStatusTotal.WithLabelValues(field).Inc()
	})

	authDir := filepath.Join(cfg.Storage.Root, "auth")
	appState, err := supervisor.Bootstrap(supervisor.BootstrapConfig{
		TokenPath:         filepath.Join(authDir, "token.json"),
		PrivateKeyPath:    filepath.Join(authDir, "private_key.pem"),
		DevicePath:        filepath.Join(cfg.Storage.Root, "device.json"),
		DeviceID:          cfg.App.DeviceID,
		DefaultTokenTTL:   cfg.Storage.DefaultTokenTTL,
		DeploymentCap:     cfg.Storage.DeploymentCacheCap,
		ConfigInstanceCap: cfg.Storage.ConfigCacheCap,
		ContentCap:        cfg.Storage.ContentCacheCap,
	})
	if err != nil {
		return fmt.Errorf("agent: bootstrap app state: %w", err)
	}

	cpClient := controlplane.New(controlplane.Config{
		BaseURL: cfg.ControlPlane.BaseURL,
		Timeout: cfg.ControlPlane.Timeout,
	}, log)

	var privateKeyPEM []byte
	if data, readErr := os.ReadFile(filepath.Join(authDir, "private_key.pem")); readErr == nil {
		privateKeyPEM = data
	}
	tokenManager := token.New(appState.Token, cpClient, cfg.App.DeviceID, privateKeyPEM)

	device, _, err := appState.Device.Read()
	if err != nil {
		return fmt.Errorf("agent: read device record: %w", err)
	}
	deviceID := device.ID
	if deviceID == "" {
		deviceID = cfg.App.DeviceID
	}

	backoff := sync.CooldownPolicy{
		BaseSecs:     cfg.Sync.CooldownBaseSecs,
		GrowthFactor: cfg.Sync.CooldownGrowthFactor,
		MaxSecs:      cfg.Sync.CooldownMaxSecs,
	}

	runner := sync.New(sync.Config{
		Deployments:     appState.Deployments,
		ConfigInstances: appState.ConfigInstances,
		Content:         appState.Content,
		Device:          appState.Device,
		ControlPlane:    cpClient,
		Tokens:          tokenManager,
		AgentVersion:    cfg.App.AgentVersion,
		ProjectionOpts: projection.Options{
			DeploymentsRoot: filepath.Join(cfg.Storage.Root, "deployments"),
			StagingRoot:     filepath.Join(cfg.Storage.Root, "staging"),
			Policy: fsm.Policy{
				MaxAttempts: cfg.Reconcile.MaxAttempts,
				Base:        cfg.Reconcile.BaseDelay,
				Growth:      cfg.Reconcile.GrowthFactor,
				Cap:         cfg.Reconcile.MaxDelay,
			},
		},
		Cooldown: backoff,
		Logger:   log,
	})

	tokenRefreshWorker := worker.NewTokenRefreshWorker(worker.TokenRefreshConfig{
		Tokens:         tokenManager,
		RefreshAdvance: cfg.Sync.TokenRefreshAdvance,
		BackoffPolicy:  backoff,
		Logger:         log,
	})

	pollWorker := worker.NewPollWorker(worker.PollConfig{
		Syncer:       runner,
		PollInterval: cfg.Sync.PollInterval,
		Logger:       log,
	})

	newMQTTClient := func(username, password string, onConnect func(), onConnectionLost func(error)) mqttclient.Client {
		return mqttclient.New(mqttclient.Options{
			BrokerURL:        cfg.MQTT.BrokerURL,
			ClientID:         deviceID,
			Username:         username,
			Password:         password,
			OnConnect:        onConnect,
			OnConnectionLost: onConnectionLost,
			ConnectTimeout:   cfg.MQTT.ConnectTimeout,
			SubscribeTimeout: cfg.MQTT.SubscribeTimeout,
			PublishTimeout:   cfg.MQTT.PublishTimeout,
		})
	}

	mqttWorker := worker.NewMQTTWorker(worker.MQTTConfig{
		Syncer:        runner,
		Device:        appState.Device,
		Tokens:        tokenManager,
		NewClient:     newMQTTClient,
		DeviceID:      deviceID,
		SessionID:     device.SessionID,
		BackoffPolicy: backoff,
		Logger:        log,
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if srvErr := metricsServer.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", srvErr)
			}
		}()
	}

	sup := supervisor.New(supervisor.Config{
		State:            appState,
		TokenRefresh:     tokenRefreshWorker,
		Poll:             pollWorker,
		MQTT:             mqttWorker,
		Activity:         activity.NewClock(),
		Persistent:       cfg.Lifecycle.Persistent,
		IdleTimeout:      cfg.Lifecycle.IdleTimeout,
		IdlePollInterval: cfg.Lifecycle.IdlePollInterval,
		MaxRuntime:       cfg.Lifecycle.MaxRuntime,
		MaxShutdownDelay: cfg.Lifecycle.MaxShutdownDelay,
		Logger:           log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := sup.Run(ctx)

	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	if code != 0 {
		supervisor.ForceExit(code)
	}
	return nil
}
