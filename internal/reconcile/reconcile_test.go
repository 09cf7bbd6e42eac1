package reconcile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/fleet-agent/internal/cache"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
	"github.com/vitaliisemenov/fleet-agent/internal/projection"
)

type fakeConfigInstances struct {
	byID map[string]model.ConfigInstance
}

func (f *fakeConfigInstances) Read(id string) (model.ConfigInstance, bool, error) {
	ci, ok := f.byID[id]
	return ci, ok, nil
}

type fakeContent struct {
	byID map[string]model.Content
}

func (f *fakeContent) Read(id string) (model.Content, bool, error) {
	c, ok := f.byID[id]
	return c, ok, nil
}

type fakeStore struct {
	byID map[string]model.Deployment
}

func newFakeStore(deployments ...model.Deployment) *fakeStore {
	s := &fakeStore{byID: make(map[string]model.Deployment)}
	for _, d := range deployments {
		s.byID[d.ID] = d
	}
	return s
}

func (s *fakeStore) FindWhere(pred func(model.Deployment) bool) ([]model.Deployment, error) {
	var out []model.Deployment
	for _, d := range s.byID {
		if pred(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) Write(key string, value model.Deployment, isDirty cache.IsDirty[model.Deployment], overwrite cache.Overwrite) error {
	prior, ok := s.byID[key]
	var priorEntry *cache.Entry[model.Deployment]
	if ok {
		priorEntry = &cache.Entry[model.Deployment]{Value: prior}
	}
	_ = isDirty(priorEntry, value) // exercised for parity with the real cache; outcome not asserted here
	s.byID[key] = value
	return nil
}

func testOpts(t *testing.T) projection.Options {
	t.Helper()
	base := t.TempDir()
	return projection.Options{
		DeploymentsRoot: filepath.Join(base, "deployments"),
		StagingRoot:     filepath.Join(base, "staging"),
		Policy:          fsm.Policy{MaxAttempts: 5, Base: 15 * time.Second, Growth: 2, Cap: 24 * time.Hour},
	}
}

// TestApplyDeployRetiresConflictsBeforeRecordingNewDeployed covers property
// 5: observers never see two Deployed deployments, because the conflict is
// retired before the new deployment's Deploy transition is recorded.
func TestApplyDeployRetiresConflictsBeforeRecordingNewDeployed(t *testing.T) {
	store := newFakeStore(
		model.Deployment{ID: "dpl_A", Target: model.TargetDeployed, Activity: model.ActivityDeployed},
	)
	configInstances := &fakeConfigInstances{byID: map[string]model.ConfigInstance{
		"ci_1": {ID: "ci_1", FilePath: "config.json"},
	}}
	content := &fakeContent{byID: map[string]model.Content{
		"ci_1": {RawMessage: []byte(`{"speed":4}`)},
	}}

	dplB := model.Deployment{ID: "dpl_B", Target: model.TargetDeployed, Activity: model.ActivityQueued, ConfigIDs: []string{"ci_1"}}
	got, err := Apply(dplB, store, configInstances, DeployContext{Content: content, ProjectionOpts: testOpts(t)})
	require.NoError(t, err)

	assert.Equal(t, model.ActivityDeployed, got.Activity)
	assert.Equal(t, model.ActivityArchived, store.byID["dpl_A"].Activity)

	deployedCount := 0
	for _, d := range store.byID {
		if d.Activity == model.ActivityDeployed {
			deployedCount++
		}
	}
	assert.Equal(t, 1, deployedCount)
}

func TestApplyMissingConfigInstanceIsFatal(t *testing.T) {
	store := newFakeStore()
	configInstances := &fakeConfigInstances{byID: map[string]model.ConfigInstance{}}
	content := &fakeContent{byID: map[string]model.Content{}}

	d := model.Deployment{ID: "dpl_1", Target: model.TargetDeployed, Activity: model.ActivityQueued, ConfigIDs: []string{"ci_missing"}}
	got, err := Apply(d, store, configInstances, DeployContext{Content: content, ProjectionOpts: testOpts(t)})

	require.Error(t, err)
	assert.Equal(t, model.ErrorRetrying, got.Error)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, got, store.byID["dpl_1"], "the retrying transition must be persisted")
}

func TestApplyNoneAndWaitAreNoOps(t *testing.T) {
	store := newFakeStore()
	configInstances := &fakeConfigInstances{byID: map[string]model.ConfigInstance{}}
	content := &fakeContent{byID: map[string]model.Content{}}
	opts := testOpts(t)

	staged := model.Deployment{ID: "dpl_1", Target: model.TargetStaged, Activity: model.ActivityStaged}
	got, err := Apply(staged, store, configInstances, DeployContext{Content: content, ProjectionOpts: opts})
	require.NoError(t, err)
	assert.Equal(t, staged, got)
	_, persisted := store.byID["dpl_1"]
	assert.False(t, persisted, "a None action must not write anything")

	future := time.Now().Add(time.Hour)
	waiting := model.Deployment{ID: "dpl_2", Target: model.TargetDeployed, Activity: model.ActivityQueued, CooldownEndsAt: &future}
	got, err = Apply(waiting, store, configInstances, DeployContext{Content: content, ProjectionOpts: opts})
	require.NoError(t, err)
	assert.Equal(t, waiting, got)
}

// TestApplyRemoveIsPersistedWithoutFilesystemWork covers the standalone
// Remove action (target no longer Deployed, nothing replacing it): it is a
// pure state transition, like the original agent's remove_deployment, and
// must not touch whatever the deployment previously materialized on disk.
func TestApplyRemoveIsPersistedWithoutFilesystemWork(t *testing.T) {
	opts := testOpts(t)
	root := filepath.Join(opts.DeploymentsRoot, "dpl_1")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.json"), []byte("x"), 0o644))

	store := newFakeStore()
	configInstances := &fakeConfigInstances{byID: map[string]model.ConfigInstance{}}
	content := &fakeContent{byID: map[string]model.Content{}}

	d := model.Deployment{ID: "dpl_1", Target: model.TargetStaged, Activity: model.ActivityDeployed}
	got, err := Apply(d, store, configInstances, DeployContext{Content: content, ProjectionOpts: opts})
	require.NoError(t, err)

	assert.Equal(t, model.ActivityArchived, got.Activity)
	assert.Equal(t, model.ActivityArchived, store.byID["dpl_1"].Activity)

	data, readErr := os.ReadFile(filepath.Join(root, "config.json"))
	require.NoError(t, readErr, "a standalone Remove must not delete the deployment's files")
	assert.Equal(t, "x", string(data))
}

func TestApplyArchiveIsPersisted(t *testing.T) {
	store := newFakeStore()
	configInstances := &fakeConfigInstances{byID: map[string]model.ConfigInstance{}}
	content := &fakeContent{byID: map[string]model.Content{}}

	d := model.Deployment{ID: "dpl_1", Target: model.TargetArchived, Activity: model.ActivityStaged}
	got, err := Apply(d, store, configInstances, DeployContext{Content: content, ProjectionOpts: testOpts(t)})
	require.NoError(t, err)
	assert.Equal(t, model.ActivityArchived, got.Activity)
	assert.Equal(t, model.ActivityArchived, store.byID["dpl_1"].Activity)
}
