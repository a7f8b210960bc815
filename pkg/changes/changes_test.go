package changes

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

func newChangeStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "zane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func imageService() *types.Service {
	return &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     "prj_test",
		EnvironmentID: "env_test",
		Slug:          "api",
		Kind:          types.ServiceKindImage,
		Image:         "ghcr.io/acme/api:latest",
		NetworkAlias:  "zn-api-abc123",
		CreatedAt:     time.Now(),
	}
}

func gitService() *types.Service {
	return &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     "prj_test",
		EnvironmentID: "env_test",
		Slug:          "web",
		Kind:          types.ServiceKindGit,
		Repository: &types.GitRepository{
			URL:       "https://github.com/acme/web.git",
			Branch:    "main",
			CommitSHA: "HEAD",
		},
		Builder: &types.BuilderConfig{
			Kind: types.BuilderDockerfile,
			Dockerfile: &types.DockerfileBuilderOptions{
				BuildContextDir: "./",
				DockerfilePath:  "./Dockerfile",
			},
		},
		NetworkAlias: "zn-web-def456",
		CreatedAt:    time.Now(),
	}
}

func stage(t *testing.T, store *storage.BoltStore, svc *types.Service, c *types.DeploymentChange) *types.DeploymentChange {
	t.Helper()
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		return AddChange(tx, svc, c)
	}))
	return c
}

func stageErr(t *testing.T, store *storage.BoltStore, svc *types.Service, c *types.DeploymentChange) error {
	t.Helper()
	return store.Update(func(tx *storage.Tx) error {
		return AddChange(tx, svc, c)
	})
}

func TestAddChangeAssignsItemID(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldEnvVariables,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Key":"PORT","Value":"8080"}`),
	})

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, svc.ID, c.ServiceID)
	assert.False(t, c.Applied)
	assert.Nil(t, c.OldValue)

	var v types.EnvVariable
	require.NoError(t, json.Unmarshal(c.NewValue, &v))
	assert.NotEmpty(t, v.ID, "add values carry their item id")
	assert.Equal(t, "PORT", v.Key)

	pending, err := store.ListPendingChanges(svc.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAddChangeURLDefaults(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldURLs,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Domain":"api.example.com","AssociatedPort":8080}`),
	})

	var u types.URL
	require.NoError(t, json.Unmarshal(c.NewValue, &u))
	assert.Equal(t, "/", u.BasePath)
	assert.NotEmpty(t, u.ID)
}

func TestAddChangeRejectsProxyPorts(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	for _, host := range []int{80, 443} {
		err := stageErr(t, store, svc, &types.DeploymentChange{
			Field:    types.FieldPorts,
			Type:     types.ChangeTypeAdd,
			NewValue: mustMarshal(t, map[string]int{"Host": host, "Forwarded": 8080}),
		})
		assert.ErrorIs(t, err, zerrors.ErrValidation, "host port %d", host)
	}
}

func TestAddChangeCapturesOldValue(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	svc.EnvVariables = []*types.EnvVariable{{ID: "var_1", Key: "MODE", Value: "dev"}}
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldEnvVariables,
		Type:     types.ChangeTypeUpdate,
		ItemID:   "var_1",
		NewValue: json.RawMessage(`{"Key":"MODE","Value":"prod"}`),
	})

	var old types.EnvVariable
	require.NoError(t, json.Unmarshal(c.OldValue, &old))
	assert.Equal(t, "dev", old.Value)

	var next types.EnvVariable
	require.NoError(t, json.Unmarshal(c.NewValue, &next))
	assert.Equal(t, "var_1", next.ID, "update values are pinned to the addressed item")
}

func TestAddChangeUnknownItem(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	err := stageErr(t, store, svc, &types.DeploymentChange{
		Field:  types.FieldVolumes,
		Type:   types.ChangeTypeDelete,
		ItemID: "vol_missing",
	})
	assert.ErrorIs(t, err, zerrors.ErrNotFound)
}

func TestAddChangeKindMismatch(t *testing.T) {
	store := newChangeStore(t)

	img := imageService()
	require.NoError(t, store.CreateService(img))
	err := stageErr(t, store, img, &types.DeploymentChange{
		Field:    types.FieldGitSource,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`{"RepositoryURL":"https://github.com/acme/web.git","Branch":"main"}`),
	})
	assert.ErrorIs(t, err, zerrors.ErrValidation)

	git := gitService()
	require.NoError(t, store.CreateService(git))
	err = stageErr(t, store, git, &types.DeploymentChange{
		Field:    types.FieldSource,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`{"Image":"nginx:alpine"}`),
	})
	assert.ErrorIs(t, err, zerrors.ErrValidation)
}

func TestAddChangeValidatesAgainstPending(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldEnvVariables,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Key":"SECRET","Value":"one"}`),
	})

	// same key again, still pending: the projection must refuse it
	err := stageErr(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldEnvVariables,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Key":"SECRET","Value":"two"}`),
	})
	assert.ErrorIs(t, err, zerrors.ErrValidation)
}

func TestAddChangeURLClaimedBySibling(t *testing.T) {
	store := newChangeStore(t)

	sibling := imageService()
	sibling.Slug = "blog"
	sibling.URLs = []*types.URL{{ID: "url_sib", Domain: "app.example.com", BasePath: "/", AssociatedPort: 80}}
	require.NoError(t, store.CreateService(sibling))

	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	err := stageErr(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldURLs,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Domain":"app.example.com","AssociatedPort":8080}`),
	})
	assert.ErrorIs(t, err, zerrors.ErrValidation)

	// a different base path on the same domain is fine
	err = stageErr(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldURLs,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Domain":"app.example.com","BasePath":"/api","AssociatedPort":8080}`),
	})
	assert.NoError(t, err)
}

func TestAddChangeFreezesGitAppIdentity(t *testing.T) {
	store := newChangeStore(t)
	svc := gitService()
	require.NoError(t, store.CreateService(svc))

	app := &types.GitApp{
		ID:   types.NewID(types.PrefixGitApp),
		Kind: types.GitAppGitHub,
		Name: "acme-bot",
	}
	require.NoError(t, store.CreateGitApp(app))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field: types.FieldGitSource,
		Type:  types.ChangeTypeUpdate,
		NewValue: mustMarshal(t, map[string]any{
			"RepositoryURL": "https://github.com/acme/web.git",
			"Branch":        "main",
			"GitAppID":      app.ID,
		}),
	})

	var v types.GitSourceValue
	require.NoError(t, json.Unmarshal(c.NewValue, &v))
	assert.Equal(t, types.GitAppGitHub, v.GitAppKind)
	assert.Equal(t, "HEAD", v.CommitSHA, "unset commit defaults to HEAD")

	err := stageErr(t, store, svc, &types.DeploymentChange{
		Field: types.FieldGitSource,
		Type:  types.ChangeTypeUpdate,
		NewValue: mustMarshal(t, map[string]any{
			"RepositoryURL": "https://github.com/acme/web.git",
			"Branch":        "main",
			"GitAppID":      "gap_missing",
		}),
	})
	assert.ErrorIs(t, err, zerrors.ErrValidation)
}

func TestAddChangeBuilderEmbedsCaddyfile(t *testing.T) {
	store := newChangeStore(t)
	svc := gitService()
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldBuilder,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`{"Kind":"STATIC_DIR","StaticDir":{"PublishDirectory":"./dist","IsSPA":true}}`),
	})

	var cfg types.BuilderConfig
	require.NoError(t, json.Unmarshal(c.NewValue, &cfg))
	require.NotNil(t, cfg.StaticDir)
	assert.Contains(t, cfg.StaticDir.GeneratedCaddyfile, "try_files")
	assert.Equal(t, "./index.html", cfg.StaticDir.IndexPage)
}

func TestConfigUpdateBumpsVersion(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	svc.Configs = []*types.Config{{
		ID: "cfg_1", Name: "nginx", MountPath: "/etc/nginx/nginx.conf",
		Contents: "worker_processes 1;", Version: 3,
	}}
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldConfigs,
		Type:     types.ChangeTypeUpdate,
		ItemID:   "cfg_1",
		NewValue: json.RawMessage(`{"MountPath":"/etc/nginx/nginx.conf","Contents":"worker_processes 4;"}`),
	})

	var next types.Config
	require.NoError(t, json.Unmarshal(c.NewValue, &next))
	assert.Equal(t, 4, next.Version, "content change bumps the version")
	assert.Equal(t, "nginx", next.Name, "name is kept from the previous item")

	// same contents: version stays
	c2 := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldConfigs,
		Type:     types.ChangeTypeUpdate,
		ItemID:   "cfg_1",
		NewValue: json.RawMessage(`{"MountPath":"/etc/nginx/conf.d/app.conf","Contents":"worker_processes 4;"}`),
	})
	var again types.Config
	require.NoError(t, json.Unmarshal(c2.NewValue, &again))
	assert.Equal(t, 4, again.Version)
}

func TestCancelChange(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldEnvVariables,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Key":"PORT","Value":"8080"}`),
	})

	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		return CancelChange(tx, svc, c.ID)
	}))

	pending, err := store.ListPendingChanges(svc.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelChangeKeepsServiceDeployable(t *testing.T) {
	store := newChangeStore(t)

	// new services start without a source; the initial SOURCE change is
	// what makes them deployable
	svc := imageService()
	svc.Image = ""
	require.NoError(t, store.CreateService(svc))

	c := stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldSource,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`{"Image":"nginx:alpine"}`),
	})

	err := store.Update(func(tx *storage.Tx) error {
		return CancelChange(tx, svc, c.ID)
	})
	assert.ErrorIs(t, err, zerrors.ErrConflict)

	pending, listErr := store.ListPendingChanges(svc.ID)
	require.NoError(t, listErr)
	assert.Len(t, pending, 1, "the change must survive the failed cancel")
}

func TestCancelChangeRejectsApplied(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	applied := &types.DeploymentChange{
		ID:        types.NewID(types.PrefixChange),
		ServiceID: svc.ID,
		Field:     types.FieldCommand,
		Type:      types.ChangeTypeUpdate,
		Applied:   true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateChange(applied))

	err := store.Update(func(tx *storage.Tx) error {
		return CancelChange(tx, svc, applied.ID)
	})
	assert.ErrorIs(t, err, zerrors.ErrConflict)
}

func TestApplyPendingChanges(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	svc.URLs = []*types.URL{{ID: "url_old", Domain: "old.example.com", BasePath: "/", AssociatedPort: 8080}}
	require.NoError(t, store.CreateService(svc))

	// stage the add before the delete: apply ordering, not staging
	// order, is what keeps the set conflict-free
	stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldURLs,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Domain":"new.example.com","AssociatedPort":8080}`),
	})
	stage(t, store, svc, &types.DeploymentChange{
		Field:  types.FieldURLs,
		Type:   types.ChangeTypeDelete,
		ItemID: "url_old",
	})
	stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldCommand,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`"./server --port 8080"`),
	})

	deployment := &types.Deployment{ID: "dpl_1", Hash: "abc123def45"}
	var applied []*types.DeploymentChange
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		var err error
		applied, err = ApplyPendingChanges(tx, svc, deployment)
		return err
	}))
	require.Len(t, applied, 3)

	require.Len(t, svc.URLs, 1)
	assert.Equal(t, "new.example.com", svc.URLs[0].Domain)
	assert.Equal(t, "./server --port 8080", svc.Command)

	stored, err := store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "new.example.com", stored.URLs[0].Domain)

	pending, err := store.ListPendingChanges(svc.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "applied changes leave the pending set")

	for _, c := range applied {
		assert.True(t, c.Applied)
		assert.Equal(t, deployment.ID, c.DeploymentID)
	}
}

func TestApplyPendingChangesIdempotent(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldEnvVariables,
		Type:     types.ChangeTypeAdd,
		NewValue: json.RawMessage(`{"Key":"A","Value":"1"}`),
	})

	deployment := &types.Deployment{ID: "dpl_1", Hash: "abc123def45"}
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		_, err := ApplyPendingChanges(tx, svc, deployment)
		return err
	}))

	var second []*types.DeploymentChange
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		var err error
		second, err = ApplyPendingChanges(tx, svc, &types.Deployment{ID: "dpl_2", Hash: "bbb222ccc33"})
		return err
	}))
	assert.Empty(t, second)
	assert.Len(t, svc.EnvVariables, 1)
}

func TestAddChangePathHealthcheckNeedsResolvablePort(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	require.NoError(t, store.CreateService(svc))

	portless := &types.DeploymentChange{
		Field:    types.FieldHealthcheck,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`{"Type":"PATH","Value":"/health"}`),
	}
	assert.ErrorIs(t, stageErr(t, store, svc, portless), zerrors.ErrValidation,
		"no URL can supply the probe port")

	// a redirect URL routes no traffic, so it cannot supply one either
	svc.URLs = []*types.URL{{
		ID:         "url_redir",
		Domain:     "old.example.com",
		RedirectTo: &types.URLRedirect{URL: "https://new.example.com"},
	}}
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		return tx.UpdateService(svc)
	}))
	assert.ErrorIs(t, stageErr(t, store, svc, portless), zerrors.ErrValidation)

	svc.URLs = append(svc.URLs, &types.URL{
		ID: "url_api", Domain: "api.example.com", BasePath: "/", AssociatedPort: 8080,
	})
	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		return tx.UpdateService(svc)
	}))
	stage(t, store, svc, portless)
}

func TestApplyDefaultsHealthcheckPortFromURL(t *testing.T) {
	store := newChangeStore(t)
	svc := imageService()
	svc.URLs = []*types.URL{
		{
			ID:         "url_redir",
			Domain:     "old.example.com",
			RedirectTo: &types.URLRedirect{URL: "https://new.example.com"},
		},
		{ID: "url_api", Domain: "api.example.com", BasePath: "/", AssociatedPort: 8080},
	}
	require.NoError(t, store.CreateService(svc))

	stage(t, store, svc, &types.DeploymentChange{
		Field:    types.FieldHealthcheck,
		Type:     types.ChangeTypeUpdate,
		NewValue: json.RawMessage(`{"Type":"PATH","Value":"/health"}`),
	})

	require.NoError(t, store.Update(func(tx *storage.Tx) error {
		_, err := ApplyPendingChanges(tx, svc, &types.Deployment{ID: "dpl_1", Hash: "abc123def45"})
		return err
	}))

	require.NotNil(t, svc.Healthcheck)
	assert.Equal(t, 8080, svc.Healthcheck.AssociatedPort,
		"the first routed URL's port fills a portless path probe")

	stored, err := store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, 8080, stored.Healthcheck.AssociatedPort)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
