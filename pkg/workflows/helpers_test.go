package workflows

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/health"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/runtime"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// fakeAdmin mimics the proxy admin endpoints the activities hit: GET,
// PATCH and DELETE on /id/<id>, PUT on the route table index. Ids in
// failPatch answer PATCH with a 500, simulating a route the proxy
// refuses to update.
type fakeAdmin struct {
	mu        sync.Mutex
	routes    map[string]proxy.Route
	failPatch map[string]bool
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		routes:    map[string]proxy.Route{},
		failPatch: map[string]bool{},
	}
}

func (f *fakeAdmin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/id/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/id/")
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			route, ok := f.routes[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(route)
		case http.MethodPatch:
			if f.failPatch[id] {
				http.Error(w, "loading new config failed", http.StatusInternalServerError)
				return
			}
			if _, ok := f.routes[id]; !ok {
				http.NotFound(w, r)
				return
			}
			var route proxy.Route
			if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.routes[id] = route
		case http.MethodDelete:
			if _, ok := f.routes[id]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(f.routes, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/config/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/routes/0") {
			var route proxy.Route
			if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.routes[route.ID] = route
			f.mu.Unlock()
			return
		}
		w.Write([]byte("{}"))
	})
	return mux
}

func (f *fakeAdmin) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.routes[id]
	return ok
}

// dial returns the reverse-proxy backend of an installed route, empty
// when the route is missing or has no upstream.
func (f *fakeAdmin) dial(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	route, ok := f.routes[id]
	if !ok {
		return ""
	}
	for _, h := range route.Handle {
		if len(h.Upstreams) > 0 {
			return h.Upstreams[0].Dial
		}
	}
	return ""
}

func (f *fakeAdmin) rejectPatches(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPatch[id] = true
}

// fixture wires the activities against in-memory collaborators: a
// temp-dir bolt store, a fake runtime, miniredis and an httptest proxy
// admin.
type fixture struct {
	store   *storage.BoltStore
	rt      *runtime.Fake
	admin   *fakeAdmin
	cache   *cache.Cache
	cfg     *config.Config
	acts    *Activities
	project *types.Project
	env     *types.Environment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "zane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)

	admin := newFakeAdmin()
	adminSrv := httptest.NewServer(admin.handler())
	t.Cleanup(adminSrv.Close)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	cfg.Build.Dir = t.TempDir()

	f := &fixture{
		store: store,
		rt:    runtime.NewFake(),
		admin: admin,
		cache: cache.New(mr.Addr(), 0),
		cfg:   cfg,
	}
	f.acts = NewActivities(Options{
		Store:   store,
		Runtime: f.rt,
		Proxy:   proxy.NewClient(adminSrv.URL),
		Prober:  health.NewProber(f.rt),
		Cache:   f.cache,
		Broker:  broker,
		Config:  cfg,
	})
	return f
}

// seedService creates a project, its production environment and one
// service exposing port 8080 through a URL. mutate adjusts the service
// before it is stored.
func (f *fixture) seedService(t *testing.T, mutate func(*types.Service)) *types.Service {
	t.Helper()

	f.project = &types.Project{
		ID:        types.NewID(types.PrefixProject),
		Slug:      "acme",
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.env = &types.Environment{
		ID:        types.NewID(types.PrefixEnvironment),
		ProjectID: f.project.ID,
		Name:      types.ProductionEnv,
	}
	svc := &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     f.project.ID,
		EnvironmentID: f.env.ID,
		Slug:          "api",
		Kind:          types.ServiceKindImage,
		Image:         "ghcr.io/acme/api:1.0",
		URLs: []*types.URL{{
			ID:             types.NewID(types.PrefixURL),
			Domain:         "api.acme.dev",
			BasePath:       "/",
			AssociatedPort: 8080,
		}},
	}
	svc.NetworkAlias = types.NetworkAliasFor(svc.Slug, svc.ID)
	if mutate != nil {
		mutate(svc)
	}

	require.NoError(t, f.store.CreateProject(f.project))
	require.NoError(t, f.store.CreateEnvironment(f.env))
	require.NoError(t, f.store.CreateService(svc))
	return svc
}

// queueDeployment freezes the service's current state into a QUEUED
// row the way the planner does.
func (f *fixture) queueDeployment(t *testing.T, svc *types.Service, slot types.DeploymentSlot) *types.Deployment {
	t.Helper()

	hash := types.NewDeploymentHash()
	workflowName := "deploy-image"
	if svc.Kind == types.ServiceKindGit {
		workflowName = "deploy-git"
	}
	d := &types.Deployment{
		ID:         types.NewID(types.PrefixDeployment),
		Hash:       hash,
		ServiceID:  svc.ID,
		WorkflowID: types.WorkflowID(workflowName, svc.Slug, hash),
		Slot:       slot,
		Status:     types.DeploymentStatusQueued,
		Trigger:    types.TriggerManual,
		Snapshot:   types.SnapshotOf(svc, f.project, f.env),
		QueuedAt:   time.Now().UTC(),
	}
	seen := map[int]bool{}
	for _, u := range svc.URLs {
		if u.AssociatedPort <= 0 || seen[u.AssociatedPort] {
			continue
		}
		seen[u.AssociatedPort] = true
		d.URLs = append(d.URLs, &types.DeploymentURL{
			Domain: types.DeploymentURLDomain(f.cfg.RootDomain, hash, u.AssociatedPort),
			Port:   u.AssociatedPort,
		})
	}
	require.NoError(t, f.store.CreateDeployment(d))
	return d
}

// makeProduction finishes d as the service's HEALTHY production
// deployment and seeds its runtime footprint: the service at one
// replica, its ephemeral routes and the production routes.
func (f *fixture) makeProduction(t *testing.T, svc *types.Service, d *types.Deployment) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, f.store.Update(func(tx *storage.Tx) error {
		row, err := tx.GetDeployment(d.Hash)
		if err != nil {
			return err
		}
		row.Status = types.DeploymentStatusHealthy
		row.StatusReason = "task running"
		row.IsCurrentProduction = true
		row.LastCompletedStep = types.StepFinished
		row.StartedAt = &now
		row.FinishedAt = &now
		if err := tx.UpdateDeployment(row); err != nil {
			return err
		}
		s, err := tx.GetService(svc.ID)
		if err != nil {
			return err
		}
		s.CurrentDeploymentHash = row.Hash
		if err := tx.UpdateService(s); err != nil {
			return err
		}
		*d = *row
		svc.CurrentDeploymentHash = row.Hash
		return nil
	}))

	ctx := context.Background()
	snap := d.Snapshot
	name := snap.RuntimeServiceName(d.Hash)
	_, err := f.rt.EnsureNetwork(ctx, snap.NetworkName(), nil)
	require.NoError(t, err)
	_, err = f.rt.EnsureService(ctx, &runtime.ServiceSpec{
		Name:     name,
		Image:    snap.Image,
		Replicas: 1,
	})
	require.NoError(t, err)

	for _, du := range d.URLs {
		require.NoError(t, f.acts.proxy.EnsureRoute(ctx, proxy.DeploymentRoute(d.Hash, du, name)))
	}
	for _, u := range snap.URLs {
		require.NoError(t, f.acts.proxy.EnsureRoute(ctx, proxy.ServiceRoute(snap, u, d.Slot)))
	}
}

func (f *fixture) newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterActivity(f.acts)
	return env
}

// executeDeploy runs the deployment workflow matching the snapshot's
// kind to completion. Deployment failures land on the row, not in the
// workflow result, so the workflow error is always nil.
func executeDeploy(t *testing.T, env *testsuite.TestWorkflowEnvironment, d *types.Deployment) {
	t.Helper()
	wf := DeployImageServiceWorkflow
	if d.Snapshot.Kind == types.ServiceKindGit {
		wf = DeployGitServiceWorkflow
	}
	env.ExecuteWorkflow(wf, d)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
}

func (f *fixture) deployment(t *testing.T, hash string) *types.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(hash)
	require.NoError(t, err)
	return d
}

func (f *fixture) service(t *testing.T, id string) *types.Service {
	t.Helper()
	svc, err := f.store.GetService(id)
	require.NoError(t, err)
	return svc
}
