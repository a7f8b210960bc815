package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/types"
)

func TestArchiveRemovesEveryServiceResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svcA := f.seedService(t, func(s *types.Service) {
		s.Volumes = []*types.Volume{{
			ID:            types.NewID(types.PrefixVolume),
			Name:          "data",
			ContainerPath: "/data",
			Mode:          types.VolumeModeReadWrite,
			CreatedAt:     time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC),
		}}
		s.Configs = []*types.Config{{
			ID:        types.NewID(types.PrefixConfig),
			Name:      "caddyfile",
			MountPath: "/etc/caddy/Caddyfile",
			Contents:  "respond \"ok\"",
			Version:   1,
		}}
	})
	dA := f.queueDeployment(t, svcA, types.SlotBlue)
	f.makeProduction(t, svcA, dA)
	snapA := dA.Snapshot

	_, err := f.rt.EnsureVolume(ctx, snapA.VolumeName(snapA.Volumes[0]), nil)
	require.NoError(t, err)
	_, err = f.rt.EnsureConfig(ctx, snapA.ConfigName(snapA.Configs[0]), []byte(snapA.Configs[0].Contents), nil)
	require.NoError(t, err)

	// a second, git-built service in the same project, so the archive
	// walks more than one cleanup entry and drops the built image
	svcB := &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     f.project.ID,
		EnvironmentID: f.env.ID,
		Slug:          "worker",
		Kind:          types.ServiceKindGit,
		Repository:    &types.GitRepository{URL: "https://example.com/acme/worker.git", Branch: "main"},
		Builder:       &types.BuilderConfig{Kind: types.BuilderDockerfile},
		URLs: []*types.URL{{
			ID:             types.NewID(types.PrefixURL),
			Domain:         "worker.acme.dev",
			BasePath:       "/",
			AssociatedPort: 9000,
		}},
	}
	svcB.NetworkAlias = types.NetworkAliasFor(svcB.Slug, svcB.ID)
	require.NoError(t, f.store.CreateService(svcB))
	dB := f.queueDeployment(t, svcB, types.SlotBlue)
	f.makeProduction(t, svcB, dB)
	snapB := dB.Snapshot

	builtImage := snapB.BuiltImageName(dB.Hash)
	require.NoError(t, f.rt.PullImage(ctx, builtImage, nil))

	payload := &manager.ArchivePayload{
		WorkflowID: types.WorkflowID("archive-project", f.project.Slug, types.NewDeploymentHash()),
		Services: []manager.ServiceCleanup{
			{Snapshot: snapA, Deployments: []manager.DeploymentCleanup{{Hash: dA.Hash, Ports: []int{8080}}}},
			{Snapshot: snapB, Deployments: []manager.DeploymentCleanup{{Hash: dB.Hash, Ports: []int{9000}}}},
		},
		NetworkName: snapA.NetworkName(),
	}

	env := f.newEnv(t)
	env.ExecuteWorkflow(ArchiveResourcesWorkflow, payload)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	assert.Nil(t, f.rt.Service(snapA.RuntimeServiceName(dA.Hash)))
	assert.Nil(t, f.rt.Service(snapB.RuntimeServiceName(dB.Hash)))
	assert.Empty(t, f.rt.ServiceNames())

	assert.False(t, f.admin.has(proxy.DeploymentRouteID(dA.Hash, 8080)))
	assert.False(t, f.admin.has(proxy.DeploymentRouteID(dB.Hash, 9000)))
	assert.False(t, f.admin.has(proxy.ServiceRouteID(svcA.ID, svcA.URLs[0].ID)))
	assert.False(t, f.admin.has(proxy.ServiceRouteID(svcB.ID, svcB.URLs[0].ID)))

	assert.False(t, f.rt.HasVolume(snapA.VolumeName(snapA.Volumes[0])))
	assert.False(t, f.rt.HasConfig(snapA.ConfigName(snapA.Configs[0])))
	assert.False(t, f.rt.HasImage(builtImage))
	assert.False(t, f.rt.HasNetwork(snapA.NetworkName()), "the project network goes last")
}

func TestArchiveServiceScopedKeepsNetwork(t *testing.T) {
	f := newFixture(t)

	svc := f.seedService(t, func(s *types.Service) {
		s.Volumes = []*types.Volume{{
			ID:            types.NewID(types.PrefixVolume),
			Name:          "certs",
			ContainerPath: "/certs",
			HostPath:      "/etc/ssl/acme",
			Mode:          types.VolumeModeReadOnly,
			CreatedAt:     time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC),
		}}
	})
	d := f.queueDeployment(t, svc, types.SlotBlue)
	f.makeProduction(t, svc, d)
	snap := d.Snapshot

	payload := &manager.ArchivePayload{
		WorkflowID: types.WorkflowID("archive-service", svc.Slug, types.NewDeploymentHash()),
		Services: []manager.ServiceCleanup{
			{Snapshot: snap, Deployments: []manager.DeploymentCleanup{{Hash: d.Hash, Ports: []int{8080}}}},
		},
	}

	env := f.newEnv(t)
	env.ExecuteWorkflow(ArchiveResourcesWorkflow, payload)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	assert.Nil(t, f.rt.Service(snap.RuntimeServiceName(d.Hash)))
	assert.False(t, f.admin.has(proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)))
	assert.True(t, f.rt.HasNetwork(snap.NetworkName()),
		"other services may still run on the project network")
}

func TestArchiveContinuesPastFailingService(t *testing.T) {
	f := newFixture(t)

	svcA := f.seedService(t, nil)
	dA := f.queueDeployment(t, svcA, types.SlotBlue)
	f.makeProduction(t, svcA, dA)

	svcB := &types.Service{
		ID:            types.NewID(types.PrefixService),
		ProjectID:     f.project.ID,
		EnvironmentID: f.env.ID,
		Slug:          "worker",
		Kind:          types.ServiceKindImage,
		Image:         "ghcr.io/acme/worker:1.0",
	}
	svcB.NetworkAlias = types.NetworkAliasFor(svcB.Slug, svcB.ID)
	require.NoError(t, f.store.CreateService(svcB))
	dB := f.queueDeployment(t, svcB, types.SlotBlue)
	f.makeProduction(t, svcB, dB)

	// a runtime refusing one removal must not stop the remaining
	// entries; the error still surfaces at the end
	broken := manager.ServiceCleanup{
		Snapshot:    dA.Snapshot,
		Deployments: []manager.DeploymentCleanup{{Hash: dA.Hash, Ports: []int{8080}}},
	}
	f.rt.RemoveErrFor[dA.Snapshot.RuntimeServiceName(dA.Hash)] = errors.New("service is busy")

	payload := &manager.ArchivePayload{
		WorkflowID: types.WorkflowID("archive-project", f.project.Slug, types.NewDeploymentHash()),
		Services: []manager.ServiceCleanup{
			broken,
			{Snapshot: dB.Snapshot, Deployments: []manager.DeploymentCleanup{{Hash: dB.Hash}}},
		},
		NetworkName: dA.Snapshot.NetworkName(),
	}

	env := f.newEnv(t)
	env.ExecuteWorkflow(ArchiveResourcesWorkflow, payload)
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	assert.Nil(t, f.rt.Service(dB.Snapshot.RuntimeServiceName(dB.Hash)),
		"the healthy service is still cleaned up")
	assert.True(t, f.rt.HasNetwork(dA.Snapshot.NetworkName()),
		"the network is kept while any service failed to clean up")
}
