package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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
	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

const (
	githubSecret = "whsec-github"
	gitlabToken  = "whsec-gitlab"

	repoURL = "https://github.com/acme/shop.git"
	pinned  = "3f8f6f0c2f3a4b5c6d7e8f9012345678abcdef01"
	headSHA = "fe37acd9b2c1d0e3f4a5b6c7d8e9f0a1b2c3d4e5"
)

// recorderRunner captures workflow starts instead of talking to
// temporal; the webhook tests only care that the right work was
// scheduled.
type recorderRunner struct {
	mu        sync.Mutex
	started   []*types.Deployment
	cancelled []string
	archives  []*manager.ArchivePayload
	toggles   []*manager.TogglePayload
}

func (r *recorderRunner) StartDeployment(ctx context.Context, d *types.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, d)
	return nil
}

func (r *recorderRunner) SignalCancel(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, workflowID)
	return nil
}

func (r *recorderRunner) StartArchive(ctx context.Context, payload *manager.ArchivePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archives = append(r.archives, payload)
	return nil
}

func (r *recorderRunner) StartToggle(ctx context.Context, payload *manager.TogglePayload) error {
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

func (r *recorderRunner) archiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.archives)
}

// fixture runs the webhook server against a temp-dir bolt store, a
// real manager and the recorder runner.
type fixture struct {
	store   *storage.BoltStore
	manager *manager.Manager
	runner  *recorderRunner
	secrets *security.SecretsManager
	broker  *events.Broker
	github  *types.GitApp
	gitlab  *types.GitApp
	srv     *httptest.Server

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

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sm, err := security.NewSecretsManager(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	gitapps := gitapp.New(store, c, sm)
	runner := &recorderRunner{}
	mgr := manager.New(manager.Options{
		Store:   store,
		Cache:   c,
		Broker:  broker,
		Runner:  runner,
		GitApps: gitapps,
		Secrets: sm,
		Config:  config.Default(),
	})

	f := &fixture{store: store, manager: mgr, runner: runner, secrets: sm, broker: broker}

	f.github = &types.GitApp{
		ID:   types.NewID(types.PrefixGitApp),
		Kind: types.GitAppGitHub,
		Name: "acme-ci",
		GitHub: &types.GitHubApp{
			AppID:          99,
			InstallationID: 42,
			PrivateKey:     f.seal(t, "not-a-real-key"),
			WebhookSecret:  f.seal(t, githubSecret),
		},
		CreatedAt: time.Now().UTC(),
	}
	f.gitlab = &types.GitApp{
		ID:   types.NewID(types.PrefixGitApp),
		Kind: types.GitAppGitLab,
		Name: "acme-gitlab",
		GitLab: &types.GitLabApp{
			AppID:         "glapp-id",
			AppSecret:     f.seal(t, "glapp-secret"),
			RefreshToken:  f.seal(t, "rt-1"),
			WebhookSecret: f.seal(t, gitlabToken),
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateGitApp(f.github))
	require.NoError(t, store.CreateGitApp(f.gitlab))

	server := New(Options{Store: store, Manager: mgr, GitApps: gitapps, Broker: broker, Addr: ":0"})
	f.srv = httptest.NewServer(server.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) seal(t *testing.T, plaintext string) string {
	t.Helper()
	sealed, err := f.secrets.EncryptString(plaintext)
	require.NoError(t, err)
	return sealed
}

// seedGitService stores a git service bound to the fixture's GitHub
// app, auto-deploying from main. The commit is pinned so planning
// never reaches for the remote.
func (f *fixture) seedGitService(t *testing.T, slug string, mutate func(*types.Service)) *types.Service {
	t.Helper()
	f.ensureProject(t)

	svc := &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     f.project.ID,
		EnvironmentID: f.env.ID,
		Slug:          slug,
		Kind:          types.ServiceKindGit,
		Repository: &types.GitRepository{
			URL:        repoURL,
			Branch:     "main",
			CommitSHA:  pinned,
			GitAppID:   f.github.ID,
			GitAppKind: types.GitAppGitHub,
		},
		Builder:     &types.BuilderConfig{Kind: types.BuilderDockerfile},
		DeployToken: "dtok-" + slug,
		AutoDeploy:  true,
		URLs: []*types.URL{{
			ID:             types.NewID(types.PrefixURL),
			Domain:         slug + ".acme.dev",
			BasePath:       "/",
			AssociatedPort: 8080,
		}},
		CreatedAt: time.Now().UTC(),
	}
	svc.NetworkAlias = types.NetworkAliasFor(svc.Slug, svc.ID)
	if mutate != nil {
		mutate(svc)
	}
	require.NoError(t, f.store.CreateService(svc))
	return svc
}

func (f *fixture) ensureProject(t *testing.T) {
	t.Helper()
	if f.project != nil {
		return
	}
	f.project = &types.Project{
		ID:        types.NewID(types.PrefixProject),
		Slug:      "acme",
		CreatedAt: time.Now().UTC(),
	}
	f.env = &types.Environment{
		ID:        types.NewID(types.PrefixEnvironment),
		ProjectID: f.project.ID,
		Name:      types.ProductionEnv,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateProject(f.project))
	require.NoError(t, f.store.CreateEnvironment(f.env))
}

func signGitHub(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// postGitHub delivers a signed GitHub webhook and decodes the JSON
// response.
func (f *fixture) postGitHub(t *testing.T, event string, payload any, secret string) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook/github", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signGitHub(body, secret))
	return f.do(t, req)
}

// postGitLab delivers a GitLab webhook authenticated by token.
func (f *fixture) postGitLab(t *testing.T, event string, payload any, token string) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook/gitlab", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gitlab-Event", event)
	req.Header.Set("X-Gitlab-Token", token)
	return f.do(t, req)
}

// reviewDeploy resolves a fork preview's approval gate.
func (f *fixture) reviewDeploy(t *testing.T, envID, decision string) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"decision": decision})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/environments/"+envID+"/review-deploy", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	return resp.StatusCode, decoded
}

// findPreview looks up the preview environment a PR created for the
// service.
func (f *fixture) findPreview(t *testing.T, serviceID string, prNumber int) (*types.Environment, error) {
	t.Helper()
	var env *types.Environment
	err := f.store.View(func(tx *storage.Tx) (err error) {
		env, err = tx.FindPreviewEnvironment(serviceID, prNumber)
		return
	})
	return env, err
}

// servicesIn lists the services of one environment.
func (f *fixture) servicesIn(t *testing.T, envID string) []*types.Service {
	t.Helper()
	var services []*types.Service
	err := f.store.View(func(tx *storage.Tx) (err error) {
		services, err = tx.ListServicesByEnvironment(envID)
		return
	})
	require.NoError(t, err)
	return services
}

func (f *fixture) getDeployment(t *testing.T, hash string) *types.Deployment {
	t.Helper()
	var d *types.Deployment
	err := f.store.View(func(tx *storage.Tx) (err error) {
		d, err = tx.GetDeployment(hash)
		return
	})
	require.NoError(t, err)
	return d
}
