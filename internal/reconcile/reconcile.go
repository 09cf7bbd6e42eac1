// Package reconcile implements the per-deployment reconciliation apply
// step (component F): resolve config instances, compute conflicts, dispatch
// on the FSM decision, call the projection, and record results via a
// storage observer (spec.md §4.3).
package reconcile

import (
	"fmt"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/cache"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
	"github.com/vitaliisemenov/fleet-agent/internal/projection"
)

// ConfigInstanceReader resolves config-instance metadata by id. A
// *cache.Cache[model.ConfigInstance] satisfies this directly.
type ConfigInstanceReader interface {
	Read(id string) (model.ConfigInstance, bool, error)
}

// DeploymentStore is the subset of *cache.Cache[model.Deployment] that
// reconciliation needs: finding conflicting deployments and persisting
// transitioned copies.
type DeploymentStore interface {
	FindWhere(pred func(model.Deployment) bool) ([]model.Deployment, error)
	Write(key string, value model.Deployment, isDirty cache.IsDirty[model.Deployment], overwrite cache.Overwrite) error
}

// DeployContext carries the collaborators Deploy needs that Apply itself
// does not own: the config-instance content cache and the projection's
// filesystem options.
type DeployContext struct {
	Content        projection.ContentReader
	ProjectionOpts projection.Options
}

// dirtyOnObservableChange is the is_dirty predicate spec.md §4.3 mandates
// for the storage observer: true iff the prior entry was already dirty, or
// there was no prior entry, or activity/error changed.
var dirtyOnObservableChange = cache.DirtyIfChanged(func(old, new model.Deployment) bool {
	return old.Activity != new.Activity || old.Error != new.Error
})

type storageObserver struct {
	store DeploymentStore
}

func (o storageObserver) Notify(d model.Deployment) {
	// The storage write is best-effort from the observer's point of view:
	// a cache-layer failure here (e.g. post-shutdown) is discarded. It is
	// not returned, logged or retried from inside the reconciliation path.
	_ = o.store.Write(d.ID, d, dirtyOnObservableChange, cache.Allow)
}

// Apply resolves d's config instances, determines conflicting deployments,
// dispatches on the FSM decision, and records the outcome through the
// storage observer. It returns the updated deployment and a non-nil error
// whenever this attempt failed, for the sync loop to aggregate (spec.md
// §4.4 step 3). When a config instance cannot be resolved or the deploy
// fails, the returned deployment already carries the corresponding
// error(...) transition; when listing conflicting deployments fails, d is
// returned unchanged and nothing is recorded.
func Apply(d model.Deployment, deployments DeploymentStore, configInstances ConfigInstanceReader, deployCtx DeployContext) (model.Deployment, error) {
	observer := storageObserver{store: deployments}

	resolved := make([]model.ConfigInstance, 0, len(d.ConfigIDs))
	for _, id := range d.ConfigIDs {
		ci, ok, err := configInstances.Read(id)
		if err != nil {
			return failAndNotify(d, deployCtx.ProjectionOpts.Policy, fmt.Errorf("reconcile: read config instance %s: %w", id, err), observer)
		}
		if !ok {
			return failAndNotify(d, deployCtx.ProjectionOpts.Policy, fmt.Errorf("reconcile: config instance %s not found for deployment %s", id, d.ID), observer)
		}
		resolved = append(resolved, ci)
	}

	conflicts, err := deployments.FindWhere(func(other model.Deployment) bool {
		return other.ID != d.ID && other.Activity == model.ActivityDeployed
	})
	if err != nil {
		return d, fmt.Errorf("reconcile: list conflicts for %s: %w", d.ID, err)
	}

	switch action := fsm.NextAction(d, true); action.Kind {
	case fsm.ActionDeploy:
		// No observer is threaded into the projection call itself: on
		// success, conflicts must be retired before the new deployment is
		// recorded deployed, so this function owns that ordering directly
		// rather than letting the projection notify eagerly.
		after := projection.Deploy(deployCtx.Content, resolved, d, deployCtx.ProjectionOpts, nil)
		if after.Error == model.ErrorRetrying || after.Error == model.ErrorFailed {
			observer.Notify(after)
			return after, fmt.Errorf("reconcile: deploy %s failed", d.ID)
		}
		for _, conflict := range conflicts {
			observer.Notify(fsm.Remove(conflict))
		}
		observer.Notify(after)
		return after, nil

	case fsm.ActionRemove:
		// Remove never touches the filesystem: each deployment has its own
		// root under the deployments root, and only a later Deploy of the
		// same deployment replaces it. A standalone Remove (target no longer
		// Deployed, nothing replacing it) is a pure state transition and
		// leaves the deployment's directory on disk.
		after := fsm.Remove(d)
		observer.Notify(after)
		return after, nil

	case fsm.ActionArchive:
		after := fsm.Archive(d)
		observer.Notify(after)
		return after, nil

	default: // None, Wait: no-op.
		return d, nil
	}
}

func failAndNotify(d model.Deployment, policy fsm.Policy, err error, observer storageObserver) (model.Deployment, error) {
	next := fsm.Error(d, policy, agenterrors.NewProtocolError(err.Error(), err), true)
	observer.Notify(next)
	return next, err
}
