// Package sync implements the sync loop (component G): agent-version
// push, pull-and-merge, reconciliation apply, and push of dirty
// deployments, plus the adaptive cooldown and sync-event broadcast that
// the workers (internal/worker) key off of (spec.md §4.4, §4.5).
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/cache"
	"github.com/vitaliisemenov/fleet-agent/internal/controlplane"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
	"github.com/vitaliisemenov/fleet-agent/internal/projection"
	"github.com/vitaliisemenov/fleet-agent/internal/reconcile"
)

// DeploymentCache is the subset of *cache.Cache[model.Deployment] the sync
// loop needs beyond what internal/reconcile already requires.
type DeploymentCache interface {
	reconcile.DeploymentStore
	Read(key string) (model.Deployment, bool, error)
	GetDirtyEntries() ([]cache.Entry[model.Deployment], error)
	ClearDirty(key string) error
}

// ConfigInstanceCache is the subset of *cache.Cache[model.ConfigInstance]
// the sync loop needs.
type ConfigInstanceCache interface {
	reconcile.ConfigInstanceReader
	Write(key string, value model.ConfigInstance, isDirty cache.IsDirty[model.ConfigInstance], overwrite cache.Overwrite) error
}

// ContentCache is the subset of *cache.Cache[model.Content] the sync loop
// needs; it also satisfies projection.ContentReader.
type ContentCache interface {
	projection.ContentReader
	Write(key string, value model.Content, isDirty cache.IsDirty[model.Content], overwrite cache.Overwrite) error
}

// DeviceStore is the subset of *cachedfile.File[model.Device] the sync
// loop needs for the agent-version push.
type DeviceStore interface {
	Read() (model.Device, bool, error)
	Write(model.Device) error
}

// TokenSource supplies the bearer token the control-plane client
// authenticates with. internal/token's manager satisfies this.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config wires a Runner's collaborators and policy knobs.
type Config struct {
	Deployments     DeploymentCache
	ConfigInstances ConfigInstanceCache
	Content         ContentCache
	Device          DeviceStore
	ControlPlane    controlplane.Client
	Tokens          TokenSource

	AgentVersion   string
	ProjectionOpts projection.Options
	Cooldown       CooldownPolicy

	Logger *slog.Logger
}

// Runner owns the sync state and event broadcaster for one agent. It is
// not itself an actor: the state mutex below is the single serialization
// point, matching the narrow scope spec.md §4.5 gives this piece of state
// (a handful of fields updated only at the start/end of a sync call).
type Runner struct {
	cfg    Config
	events *Broadcaster
	logger *slog.Logger

	mu    sync.Mutex
	state State

	// runSlot enforces spec.md §5's single-projection-caller invariant: the
	// poll worker and the MQTT worker can both call SyncIfNotInCooldown at
	// nearly the same instant, and the cooldown check above alone doesn't
	// rule out both clearing it before either has recorded an outcome. A
	// weight-1 semaphore around run() ensures only one of them is ever
	// actually inside the reconciliation loop, and therefore touching a
	// deployment root, at a time.
	runSlot *semaphore.Weighted
}

// New constructs a Runner with a fresh, empty sync state.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		events:  NewBroadcaster(),
		logger:  logger.With("component", "sync"),
		runSlot: semaphore.NewWeighted(1),
	}
}

// Events returns the latest-value broadcaster sync outcomes are published
// on.
func (r *Runner) Events() *Broadcaster { return r.events }

// State returns a snapshot of the current sync state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Sync performs one full sync attempt. It refuses to run while the prior
// outcome's cooldown has not yet elapsed, returning agenterrors.ErrInCooldown
// — callers that want cooldown to silently no-op should call
// SyncIfNotInCooldown instead (spec.md §4.5).
func (r *Runner) Sync(ctx context.Context) error {
	now := time.Now()
	r.mu.Lock()
	if r.state.InCooldown(now) {
		r.mu.Unlock()
		return agenterrors.ErrInCooldown
	}
	r.state.LastAttemptedSyncAt = &now
	r.mu.Unlock()

	if err := r.runSlot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("sync: acquire run slot: %w", err)
	}
	defer r.runSlot.Release(1)

	err := r.run(ctx)
	r.recordOutcome(err)
	return err
}

// SyncIfNotInCooldown calls Sync and treats ErrInCooldown as a successful
// no-op, per spec.md §4.5 — this is the entry point the poll and MQTT
// workers use.
func (r *Runner) SyncIfNotInCooldown(ctx context.Context) error {
	err := r.Sync(ctx)
	if errors.Is(err, agenterrors.ErrInCooldown) {
		return nil
	}
	return err
}

func (r *Runner) recordOutcome(err error) {
	now := time.Now()
	isNetwork := err != nil && agenterrors.Classify(err).IsNetworkConnectionError()

	r.mu.Lock()
	switch {
	case err == nil:
		r.state = r.state.onSuccess(now, r.cfg.Cooldown)
	case isNetwork:
		r.state = r.state.onNetworkFailure(now, r.cfg.Cooldown)
	default:
		r.state = r.state.onOtherFailure(now, r.cfg.Cooldown)
	}
	cooldownEndsAt := *r.state.CooldownEndsAt
	r.mu.Unlock()

	source := FromSyncSuccess
	if err == nil {
		r.events.Publish(SyncSucceeded{})
	} else {
		r.events.Publish(SyncFailed{IsNetworkConnectionError: isNetwork})
		source = FromSyncFailure
	}
	r.scheduleCooldownEnd(cooldownEndsAt, source)
}

// scheduleCooldownEnd sleeps until one second past cooldownEndsAt and then
// publishes CooldownEnd, so waiters sleeping on the cooldown wake
// deterministically rather than re-polling the clock (spec.md §4.5).
func (r *Runner) scheduleCooldownEnd(cooldownEndsAt time.Time, source CooldownSource) {
	delay := time.Until(cooldownEndsAt) + time.Second
	if delay < 0 {
		delay = 0
	}
	go func() {
		time.Sleep(delay)
		r.events.Publish(CooldownEnd{Source: source})
	}()
}

func (r *Runner) run(ctx context.Context) error {
	var errs []error

	if err := r.pushAgentVersion(ctx); err != nil {
		errs = append(errs, err)
	}

	token, err := r.cfg.Tokens.Token(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sync: acquire token: %w", err))
		return errors.Join(errs...)
	}

	if err := r.pull(ctx, token); err != nil {
		errs = append(errs, err)
	}

	if err := r.apply(); err != nil {
		errs = append(errs, err)
	}

	if err := r.push(ctx, token); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// pushAgentVersion is step 1: compare the compiled-in version against the
// device record and push+patch on drift.
func (r *Runner) pushAgentVersion(ctx context.Context) error {
	device, present, err := r.cfg.Device.Read()
	if err != nil {
		return fmt.Errorf("sync: read device record: %w", err)
	}
	if present && device.AgentVersion == r.cfg.AgentVersion {
		return nil
	}

	token, err := r.cfg.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("sync: acquire token for agent-version push: %w", err)
	}
	if err := r.cfg.ControlPlane.UpdateDeviceAgentVersion(ctx, device.ID, r.cfg.AgentVersion, token); err != nil {
		return fmt.Errorf("sync: push agent version: %w", err)
	}

	device.AgentVersion = r.cfg.AgentVersion
	if err := r.cfg.Device.Write(device); err != nil {
		return fmt.Errorf("sync: patch device record: %w", err)
	}
	return nil
}

// pull is step 2: fetch deployments, fan their config instances and
// content into the respective caches, and merge each deployment while
// preserving agent-local retry fields.
func (r *Runner) pull(ctx context.Context, token string) error {
	pulled, err := r.cfg.ControlPlane.ListDeployments(ctx, []model.ActivityStatus{model.ActivityQueued, model.ActivityDeployed}, token)
	if err != nil {
		return fmt.Errorf("sync: list deployments: %w", err)
	}

	for _, p := range pulled {
		for _, ci := range p.ConfigInstances {
			if err := r.cfg.ConfigInstances.Write(ci.Instance.ID, ci.Instance, cache.DirtyNever[model.ConfigInstance](), cache.Allow); err != nil {
				return fmt.Errorf("sync: write config instance %s: %w", ci.Instance.ID, err)
			}
			if ci.Content == nil {
				continue
			}
			if err := r.cfg.Content.Write(ci.Instance.ID, *ci.Content, cache.DirtyNever[model.Content](), cache.Allow); err != nil {
				r.logger.Warn("failed to write config instance content, skipping", "config_instance_id", ci.Instance.ID, "error", err)
			}
		}

		fresh := p.Deployment
		existing, ok, err := r.cfg.Deployments.Read(fresh.ID)
		merged := fresh
		if err == nil && ok {
			merged = existing.MergeFromControlPlane(fresh)
		}
		if err := r.cfg.Deployments.Write(merged.ID, merged, cache.DirtyNever[model.Deployment](), cache.Allow); err != nil {
			return fmt.Errorf("sync: write deployment %s: %w", merged.ID, err)
		}
	}
	return nil
}

// apply is step 3: run reconciliation on every deployment whose next
// action is required, aggregating failures without short-circuiting.
func (r *Runner) apply() error {
	actionable, err := r.cfg.Deployments.FindWhere(func(d model.Deployment) bool {
		return fsm.IsActionRequired(fsm.NextAction(d, true))
	})
	if err != nil {
		return fmt.Errorf("sync: enumerate actionable deployments: %w", err)
	}

	deployCtx := reconcile.DeployContext{Content: r.cfg.Content, ProjectionOpts: r.cfg.ProjectionOpts}
	var errs []error
	for _, d := range actionable {
		if _, err := reconcile.Apply(d, r.cfg.Deployments, r.cfg.ConfigInstances, deployCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// push is step 4: send every dirty deployment's current status upstream
// and clear its dirty flag on success.
func (r *Runner) push(ctx context.Context, token string) error {
	dirty, err := r.cfg.Deployments.GetDirtyEntries()
	if err != nil {
		return fmt.Errorf("sync: list dirty deployments: %w", err)
	}

	var errs []error
	for _, entry := range dirty {
		if err := r.cfg.ControlPlane.UpdateDeployment(ctx, entry.Key, entry.Value.Activity, entry.Value.Error, token); err != nil {
			errs = append(errs, fmt.Errorf("sync: push deployment %s: %w", entry.Key, err))
			continue
		}
		if err := r.cfg.Deployments.ClearDirty(entry.Key); err != nil {
			errs = append(errs, fmt.Errorf("sync: clear dirty flag for %s: %w", entry.Key, err))
		}
	}
	return errors.Join(errs...)
}
