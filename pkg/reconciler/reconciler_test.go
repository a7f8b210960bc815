package reconciler

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// fakeAdmin mimics the proxy admin endpoints the reconciler touches:
// GET on /id/<id> and PUT on the route table index.
type fakeAdmin struct {
	mu     sync.Mutex
	routes map[string]proxy.Route
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{routes: map[string]proxy.Route{}}
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

func (f *fakeAdmin) install(route proxy.Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route.ID] = route
}

type fixture struct {
	store *storage.BoltStore
	admin *fakeAdmin
	cache *cache.Cache
	rec   *Reconciler

	project *types.Project
	env     *types.Environment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "zane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr(), 0)

	admin := newFakeAdmin()
	adminSrv := httptest.NewServer(admin.handler())
	t.Cleanup(adminSrv.Close)

	f := &fixture{store: store, admin: admin, cache: c}
	f.rec = New(Options{
		Store: store,
		Proxy: proxy.NewClient(adminSrv.URL),
		Cache: c,
	})
	return f
}

// seedProduction stores a service with one URL and its production
// deployment in the given status.
func (f *fixture) seedProduction(t *testing.T, status types.DeploymentStatus) (*types.Service, *types.Deployment) {
	t.Helper()

	if f.project == nil {
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
		require.NoError(t, f.store.CreateProject(f.project))
		require.NoError(t, f.store.CreateEnvironment(f.env))
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
	require.NoError(t, f.store.CreateService(svc))

	hash := types.NewDeploymentHash()
	now := time.Now().UTC()
	d := &types.Deployment{
		ID:         types.NewID(types.PrefixDeployment),
		Hash:       hash,
		ServiceID:  svc.ID,
		WorkflowID: types.WorkflowID("deploy-image", svc.Slug, hash),
		Slot:       types.SlotBlue,
		Status:     status,
		Trigger:    types.TriggerManual,
		Snapshot:   types.SnapshotOf(svc, f.project, f.env),
		QueuedAt:   now,
		URLs: []*types.DeploymentURL{{
			Domain: types.DeploymentURLDomain("zane.local", hash, 8080),
			Port:   8080,
		}},
	}
	require.NoError(t, f.store.CreateDeployment(d))

	svc.CurrentDeploymentHash = d.Hash
	require.NoError(t, f.store.Update(func(tx *storage.Tx) error {
		return tx.UpdateService(svc)
	}))
	return svc, d
}

func TestReconcileReinstallsMissingRoutes(t *testing.T) {
	f := newFixture(t)
	svc, d := f.seedProduction(t, types.DeploymentStatusHealthy)

	require.NoError(t, f.rec.reconcile(context.Background()))

	serviceRoute := proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)
	require.True(t, f.admin.has(serviceRoute), "production route must be reinstalled")
	assert.Equal(t, d.Snapshot.SlotAlias(types.SlotBlue)+":8080", f.admin.dial(serviceRoute))

	deployRoute := proxy.DeploymentRouteID(d.Hash, 8080)
	require.True(t, f.admin.has(deployRoute), "ephemeral route must be reinstalled")
	assert.Equal(t, d.Snapshot.RuntimeServiceName(d.Hash)+":8080", f.admin.dial(deployRoute))
}

func TestReconcileLeavesInstalledRoutesAlone(t *testing.T) {
	f := newFixture(t)
	svc, d := f.seedProduction(t, types.DeploymentStatusHealthy)

	// Simulate a freshly promoted route still dialing the green slot;
	// the reconciler must not drag it back to the row's view.
	installed := proxy.ServiceRoute(d.Snapshot, svc.URLs[0], types.SlotGreen)
	f.admin.install(installed)

	require.NoError(t, f.rec.reconcile(context.Background()))

	serviceRoute := proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)
	assert.Equal(t, d.Snapshot.SlotAlias(types.SlotGreen)+":8080", f.admin.dial(serviceRoute))
}

func TestReconcileSkipsUpdatingServices(t *testing.T) {
	f := newFixture(t)
	svc, _ := f.seedProduction(t, types.DeploymentStatusHealthy)
	require.NoError(t, f.cache.MarkServiceUpdating(context.Background(), svc.ID))

	require.NoError(t, f.rec.reconcile(context.Background()))
	assert.False(t, f.admin.has(proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)))

	require.NoError(t, f.cache.ClearServiceUpdating(context.Background(), svc.ID))
	require.NoError(t, f.rec.reconcile(context.Background()))
	assert.True(t, f.admin.has(proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)))
}

func TestReconcileIgnoresNonProductionStatuses(t *testing.T) {
	f := newFixture(t)
	svc, _ := f.seedProduction(t, types.DeploymentStatusFailed)

	require.NoError(t, f.rec.reconcile(context.Background()))
	assert.False(t, f.admin.has(proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)))
}

func TestReconcileRestoresSleepingServices(t *testing.T) {
	f := newFixture(t)
	svc, _ := f.seedProduction(t, types.DeploymentStatusSleeping)

	require.NoError(t, f.rec.reconcile(context.Background()))
	assert.True(t, f.admin.has(proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)),
		"sleeping services keep their routes for wake-on-request")
}
