// Package projection implements the deployment projection (component E):
// stage → write → swap → cleanup of a deployment's config-instance content
// under its deployment root, atomically and with rollback on partial
// failure (spec.md §4.2).
package projection

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/fsatomic"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
)

// ContentReader resolves a config instance's JSON content by id. A
// *cache.Cache[model.Content] satisfies this directly.
type ContentReader interface {
	Read(id string) (model.Content, bool, error)
}

// Observer is notified after each decisive state change the projection
// makes, so the storage cache and any test observers see the same history
// (spec.md §4.2 "Observers").
type Observer interface {
	Notify(model.Deployment)
}

// Options configures where the projection stages and materializes
// deployment roots.
type Options struct {
	// DeploymentsRoot is the parent directory under which every
	// deployment's root directory lives, named by its sanitized id. It is
	// also the floor empty-ancestor reaping never climbs past.
	DeploymentsRoot string
	// StagingRoot is where fresh staging subdirectories are allocated;
	// must be on the same filesystem as DeploymentsRoot so the swap
	// rename is atomic.
	StagingRoot string
	Policy      fsm.Policy
}

// RootFor returns the deployment root directory for a deployment id.
func RootFor(opts Options, deploymentID string) string {
	return filepath.Join(opts.DeploymentsRoot, fsatomic.SanitizeFilename(deploymentID))
}

func notifyAll(observers []Observer, d model.Deployment) model.Deployment {
	for _, o := range observers {
		o.Notify(d)
	}
	return d
}

func fail(d model.Deployment, policy fsm.Policy, err error, observers []Observer) model.Deployment {
	return notifyAll(observers, fsm.Error(d, policy, err, true))
}

// Deploy stages each config instance's content under a fresh staging
// subdirectory, writes it to its sanitized relative path, and atomically
// swaps the result in as d's deployment root. On any failure short of the
// swap itself, the staging subdirectory is removed and no filesystem
// mutation beyond it is left behind.
func Deploy(reader ContentReader, configInstances []model.ConfigInstance, d model.Deployment, opts Options, observers []Observer) model.Deployment {
	root := RootFor(opts, d.ID)
	staging := filepath.Join(opts.StagingRoot, uuid.NewString())

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fail(d, opts.Policy, agenterrors.NewProtocolError("allocate staging directory", err), observers)
	}

	type stagedFile struct {
		path string
		data []byte
	}
	files := make([]stagedFile, 0, len(configInstances))
	for _, ci := range configInstances {
		content, ok, err := reader.Read(ci.ID)
		if err != nil {
			os.RemoveAll(staging)
			return fail(d, opts.Policy, agenterrors.NewProtocolError(fmt.Sprintf("read content for config instance %s", ci.ID), err), observers)
		}
		if !ok {
			os.RemoveAll(staging)
			return fail(d, opts.Policy, agenterrors.NewProtocolError(fmt.Sprintf("missing content for config instance %s", ci.ID), nil), observers)
		}
		files = append(files, stagedFile{
			path: filepath.Join(staging, sanitizeRelPath(ci.FilePath)),
			data: append([]byte(nil), content.RawMessage...),
		})
	}

	for _, sf := range files {
		if err := fsatomic.WriteFile(sf.path, sf.data, 0o644, fsatomic.Allow); err != nil {
			os.RemoveAll(staging)
			return fail(d, opts.Policy, agenterrors.NewProtocolError("write staged content", err), observers)
		}
	}

	if err := os.MkdirAll(opts.DeploymentsRoot, 0o755); err != nil {
		os.RemoveAll(staging)
		return fail(d, opts.Policy, agenterrors.NewProtocolError("create deployments root", err), observers)
	}

	trash := root + ".trash"
	if err := fsatomic.SwapDirs(root, trash, staging, root); err != nil {
		var swapFailure *fsatomic.SwapFailure
		if errors.As(err, &swapFailure) {
			rollbackErr := &agenterrors.RollbackError{
				Primary:   swapFailure.Primary,
				Rollback:  swapFailure.RollbackAlsoFailed,
				TrashPath: trash,
			}
			return fail(d, opts.Policy, rollbackErr, observers)
		}
		return fail(d, opts.Policy, agenterrors.NewProtocolError("swap deployment root", err), observers)
	}

	_ = fsatomic.RemoveTrash(trash)
	_ = fsatomic.ReapEmptyAncestors(filepath.Dir(root), opts.DeploymentsRoot)

	return notifyAll(observers, fsm.Deploy(d))
}

// sanitizeRelPath sanitizes every path segment independently so a
// maliciously or accidentally crafted relative filepath (e.g. containing
// "..") can never escape the staging subdirectory.
func sanitizeRelPath(relPath string) string {
	segments := strings.Split(filepath.ToSlash(relPath), "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		clean = append(clean, fsatomic.SanitizeFilename(seg))
	}
	return filepath.Join(clean...)
}
