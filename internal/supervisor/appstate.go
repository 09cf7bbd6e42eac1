// Package supervisor implements the lifecycle supervisor (component K):
// strict startup ordering with a token/device self-heal pass, a single
// shutdown trigger among signal/idle/max-runtime, and a bounded, strictly
// ordered shutdown join sequence (spec.md §4.8). It is grounded on the
// teacher's cmd/server/signal.go SignalHandler, generalized from a single
// SIGHUP-reload worker into an app-wide start/stop orchestrator.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/cache"
	"github.com/vitaliisemenov/fleet-agent/internal/cachedfile"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
	"github.com/vitaliisemenov/fleet-agent/internal/token"
)

// AppState bundles every cache actor and cached file that live for the
// whole process lifetime. Workers depend on it outliving them, so it is
// constructed first at startup and shut down last (spec.md §4.8 "Caches
// depend on app state living longer than workers").
type AppState struct {
	Deployments     *cache.Cache[model.Deployment]
	ConfigInstances *cache.Cache[model.ConfigInstance]
	Content         *cache.Cache[model.Content]
	Device          *cachedfile.File[model.Device]
	Token           *cachedfile.File[model.Token]
}

// Shutdown stops every actor, aggregating failures rather than
// short-circuiting so one stuck actor does not block the others from being
// asked to stop.
func (s *AppState) Shutdown() error {
	var errs []error
	if err := s.Deployments.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: shut down deployment cache: %w", err))
	}
	if err := s.ConfigInstances.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: shut down config instance cache: %w", err))
	}
	if err := s.Content.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: shut down content cache: %w", err))
	}
	if err := s.Device.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: shut down device file: %w", err))
	}
	if err := s.Token.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: shut down token file: %w", err))
	}
	return errors.Join(errs...)
}

// BootstrapConfig supplies the startup self-heal step (spec.md §4.8 step 1)
// with the storage paths and provisioned identity it needs.
type BootstrapConfig struct {
	TokenPath         string
	PrivateKeyPath    string
	DevicePath        string
	DeviceID          string // provisioned identity; see internal/config.AppConfig.DeviceID
	DefaultTokenTTL   time.Duration
	DeploymentCap     int
	ConfigInstanceCap int
	ContentCap        int
}

// Bootstrap implements startup step 1: open the token and device cached
// files, synthesizing a default token from an on-disk key pair if the
// token is missing, and a minimal device record from the token's device-id
// claim if the device record is missing, then spawns the three cache
// actors. It never fails merely because the key pair or a cached
// device-id claim is absent — that is the ordinary cold-start case, not an
// error — failures here are file-system or decode errors only.
func Bootstrap(cfg BootstrapConfig) (*AppState, error) {
	tokenFile, err := cachedfile.Open[model.Token](cfg.TokenPath, 0o600)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open token file: %w", err)
	}

	if err := selfHealToken(tokenFile, cfg); err != nil {
		return nil, err
	}

	deviceFile, err := cachedfile.Open[model.Device](cfg.DevicePath, 0o644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open device file: %w", err)
	}

	if err := selfHealDevice(deviceFile, tokenFile, cfg); err != nil {
		return nil, err
	}

	deployments := cache.New[model.Deployment](cache.Options[model.Deployment]{
		Capacity: cfg.DeploymentCap,
		Clone:    model.Deployment.Clone,
	})
	configInstances := cache.New[model.ConfigInstance](cache.Options[model.ConfigInstance]{
		Capacity: cfg.ConfigInstanceCap,
		Clone:    model.ConfigInstance.Clone,
	})
	content := cache.New[model.Content](cache.Options[model.Content]{
		Capacity: cfg.ContentCap,
		Clone:    model.Content.Clone,
	})

	return &AppState{
		Deployments:     deployments,
		ConfigInstances: configInstances,
		Content:         content,
		Device:          deviceFile,
		Token:           tokenFile,
	}, nil
}

// selfHealToken synthesizes a default token when none is cached but a
// private key is present on disk.
func selfHealToken(tokenFile *cachedfile.File[model.Token], cfg BootstrapConfig) error {
	_, present, err := tokenFile.Read()
	if err != nil {
		return fmt.Errorf("supervisor: read token file: %w", err)
	}
	if present {
		return nil
	}

	keyPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no key pair yet either; the token manager refreshes once a real token is issuable
		}
		return fmt.Errorf("supervisor: read private key: %w", err)
	}

	ttl := cfg.DefaultTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	synthesized, err := token.SynthesizeDefault(keyPEM, cfg.DeviceID, ttl)
	if err != nil {
		return fmt.Errorf("supervisor: synthesize default token: %w", err)
	}
	if err := tokenFile.Write(synthesized); err != nil {
		return fmt.Errorf("supervisor: persist synthesized token: %w", err)
	}
	return nil
}

// selfHealDevice synthesizes a minimal device record from the cached
// token's device-id claim when no device record exists yet.
func selfHealDevice(deviceFile *cachedfile.File[model.Device], tokenFile *cachedfile.File[model.Token], cfg BootstrapConfig) error {
	_, present, err := deviceFile.Read()
	if err != nil {
		return fmt.Errorf("supervisor: read device file: %w", err)
	}
	if present {
		return nil
	}

	tok, tokenPresent, err := tokenFile.Read()
	if err != nil {
		return fmt.Errorf("supervisor: read token file: %w", err)
	}
	if !tokenPresent {
		return nil
	}

	deviceID, err := token.DeviceIDFromToken(tok.Value)
	if err != nil {
		return nil // no usable device-id claim; the control plane's own device record wins on first sync
	}

	// SessionID is left empty: nothing observable yet supplies it, and the
	// MQTT worker only needs it once the device record's real session id
	// has round-tripped through the control plane at least once.
	minimal := model.Device{ID: deviceID, Status: model.DeviceOffline}
	if err := deviceFile.Write(minimal); err != nil {
		return fmt.Errorf("supervisor: persist synthesized device record: %w", err)
	}
	return nil
}
