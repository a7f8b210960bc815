package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/gitapp"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

const (
	repoURL   = "https://github.com/acme/shop.git"
	pinnedSHA = "3f8f6f0c2f3a4b5c6d7e8f9012345678abcdef01"
)

// recorderRunner captures workflow starts and signals instead of
// talking to temporal. failStart makes StartDeployment fail so tests
// can exercise the start-failure path.
type recorderRunner struct {
	mu        sync.Mutex
	started   []*types.Deployment
	cancelled []string
	archives  []*ArchivePayload
	toggles   []*TogglePayload
	failStart error
}

func (r *recorderRunner) StartDeployment(ctx context.Context, d *types.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart != nil {
		return r.failStart
	}
	r.started = append(r.started, d)
	return nil
}

func (r *recorderRunner) SignalCancel(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, workflowID)
	return nil
}

func (r *recorderRunner) StartArchive(ctx context.Context, payload *ArchivePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archives = append(r.archives, payload)
	return nil
}

func (r *recorderRunner) StartToggle(ctx context.Context, payload *TogglePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toggles = append(r.toggles, payload)
	return nil
}

func (r *recorderRunner) deployments() []*types.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Deployment, len(r.started))
	copy(out, r.started)
	return out
}

func (r *recorderRunner) cancelledIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cancelled))
	copy(out, r.cancelled)
	return out
}

func (r *recorderRunner) archivePayloads() []*ArchivePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ArchivePayload, len(r.archives))
	copy(out, r.archives)
	return out
}

func (r *recorderRunner) togglePayloads() []*TogglePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TogglePayload, len(r.toggles))
	copy(out, r.toggles)
	return out
}

// fixture runs the manager against a temp-dir bolt store, miniredis
// and the recorder runner.
type fixture struct {
	store   *storage.BoltStore
	cache   *cache.Cache
	mgr     *Manager
	runner  *recorderRunner
	secrets *security.SecretsManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "zane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr(), 0)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sm, err := security.NewSecretsManager(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	runner := &recorderRunner{}
	mgr := New(Options{
		Store:   store,
		Cache:   c,
		Broker:  broker,
		Runner:  runner,
		GitApps: gitapp.New(store, c, sm),
		Secrets: sm,
		Config:  config.Default(),
	})

	return &fixture{store: store, cache: c, mgr: mgr, runner: runner, secrets: sm}
}

func (f *fixture) createProject(t *testing.T, slug string) *types.Project {
	t.Helper()
	project, err := f.mgr.CreateProject(context.Background(), slug, "")
	require.NoError(t, err)
	return project
}

// createImageService registers an image service and stages a URL on
// port 8080 so planning mints deployment URLs.
func (f *fixture) createImageService(t *testing.T, projectID, slug, image string) *types.Service {
	t.Helper()

	svc, err := f.mgr.CreateService(context.Background(), CreateServiceInput{
		ProjectID: projectID,
		Slug:      slug,
		Kind:      types.ServiceKindImage,
		Image:     image,
	})
	require.NoError(t, err)

	f.stageURL(t, svc.ID, slug+".acme.dev", 8080)
	return svc
}

func (f *fixture) stageURL(t *testing.T, serviceID, domain string, port int) {
	t.Helper()
	value, err := json.Marshal(&types.URL{Domain: domain, BasePath: "/", AssociatedPort: port})
	require.NoError(t, err)
	_, err = f.mgr.RequestChange(context.Background(), serviceID, &types.DeploymentChange{
		Field:    types.FieldURLs,
		Type:     types.ChangeTypeAdd,
		NewValue: value,
	})
	require.NoError(t, err)
}

// seedGitService writes a git service row directly, already pointing
// at a pinned commit, the way it looks after its first deployment.
func (f *fixture) seedGitService(t *testing.T, projectID, envID, slug string) *types.Service {
	t.Helper()

	svc := &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     projectID,
		EnvironmentID: envID,
		Slug:          slug,
		Kind:          types.ServiceKindGit,
		Repository: &types.GitRepository{
			URL:       repoURL,
			Branch:    "main",
			CommitSHA: pinnedSHA,
		},
		Builder:     &types.BuilderConfig{Kind: types.BuilderDockerfile},
		DeployToken: "dtok-" + slug,
		URLs: []*types.URL{{
			ID:             types.NewID(types.PrefixURL),
			Domain:         slug + ".acme.dev",
			BasePath:       "/",
			AssociatedPort: 8080,
		}},
		CreatedAt: time.Now().UTC(),
	}
	svc.NetworkAlias = types.NetworkAliasFor(svc.Slug, svc.ID)
	require.NoError(t, f.store.CreateService(svc))
	return svc
}

func (f *fixture) productionEnv(t *testing.T, projectID string) *types.Environment {
	t.Helper()
	var env *types.Environment
	err := f.store.View(func(tx *storage.Tx) (err error) {
		env, err = tx.GetEnvironmentByName(projectID, types.ProductionEnv)
		return
	})
	require.NoError(t, err)
	return env
}

func (f *fixture) deploy(t *testing.T, serviceID string) *types.Deployment {
	t.Helper()
	d, err := f.mgr.PrepareNewDeployment(context.Background(), serviceID, DeployOptions{})
	require.NoError(t, err)
	return d
}

// markRunning simulates the workflow picking the deployment up.
func (f *fixture) markRunning(t *testing.T, hash string) *types.Deployment {
	t.Helper()
	return f.setDeploymentStatus(t, hash, types.DeploymentStatusBuilding, true)
}

// markCurrent promotes the deployment the way the promotion activity
// would: status flipped and the service row pointed at it.
func (f *fixture) markCurrent(t *testing.T, serviceID, hash string, status types.DeploymentStatus) {
	t.Helper()
	f.setDeploymentStatus(t, hash, status, true)
	err := f.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		svc.CurrentDeploymentHash = hash
		return tx.UpdateService(svc)
	})
	require.NoError(t, err)
}

func (f *fixture) setDeploymentStatus(t *testing.T, hash string, status types.DeploymentStatus, started bool) *types.Deployment {
	t.Helper()
	var out *types.Deployment
	err := f.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(hash)
		if err != nil {
			return err
		}
		d.Status = status
		if started && d.StartedAt == nil {
			now := time.Now().UTC()
			d.StartedAt = &now
		}
		out = d
		return tx.UpdateDeployment(d)
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) getService(t *testing.T, id string) *types.Service {
	t.Helper()
	svc, err := f.store.GetService(id)
	require.NoError(t, err)
	return svc
}

func (f *fixture) getDeployment(t *testing.T, hash string) *types.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(hash)
	require.NoError(t, err)
	return d
}

func (f *fixture) pendingChanges(t *testing.T, serviceID string) []*types.DeploymentChange {
	t.Helper()
	pending, err := f.store.ListPendingChanges(serviceID)
	require.NoError(t, err)
	return pending
}

func (f *fixture) servicesIn(t *testing.T, envID string) []*types.Service {
	t.Helper()
	services, err := f.store.ListServicesByEnvironment(envID)
	require.NoError(t, err)
	return services
}
