package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/types"
)

// ArchiveResourcesWorkflow tears down the runtime footprint of archived
// services. The rows were already deleted in the archiving transaction,
// so the payload is the only record of what exists; every service is
// attempted even when one fails, and the project network (set only for
// whole-project archives) goes last.
func ArchiveResourcesWorkflow(ctx workflow.Context, payload *manager.ArchivePayload) error {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, archiveActivityOptions())

	var firstErr error
	for _, cleanup := range payload.Services {
		if err := workflow.ExecuteActivity(ctx, a.ArchiveServiceResources, cleanup).Get(ctx, nil); err != nil {
			logger.Error("failed to clean up an archived service",
				"service", cleanup.Snapshot.Slug, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if payload.NetworkName != "" {
		return workflow.ExecuteActivity(ctx, a.RemoveProjectNetwork, payload.NetworkName).Get(ctx, nil)
	}
	return nil
}

func archiveActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// ArchiveServiceResources removes everything one archived service left
// in the runtime and the proxy: per-deployment runtime services,
// ephemeral and production routes, named volumes, configs and, for git
// services, the built images. The adapters treat already-gone
// resources as removed, so retries converge.
func (a *Activities) ArchiveServiceResources(ctx context.Context, cleanup manager.ServiceCleanup) error {
	snap := cleanup.Snapshot

	for _, dc := range cleanup.Deployments {
		name := snap.RuntimeServiceName(dc.Hash)
		if err := a.runtime.RemoveService(ctx, name); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
		for _, port := range dc.Ports {
			if err := a.proxy.DeleteRoute(ctx, proxy.DeploymentRouteID(dc.Hash, port)); err != nil {
				return fmt.Errorf("failed to delete a deployment route of %s: %w", dc.Hash, err)
			}
		}
		if snap.Kind == types.ServiceKindGit {
			image := snap.BuiltImageName(dc.Hash)
			if err := a.runtime.RemoveImage(ctx, image); err != nil {
				// shared layers keep images busy; leftovers are cheap
				a.log.Debug().Err(err).Str("image", image).Msg("built image not removed")
			}
		}
	}

	for _, u := range snap.URLs {
		if err := a.proxy.DeleteRoute(ctx, proxy.ServiceRouteID(snap.ID, u.ID)); err != nil {
			return fmt.Errorf("failed to delete the route of %s: %w", u.Domain, err)
		}
	}
	for _, v := range snap.Volumes {
		if v.HostPath != "" {
			continue
		}
		if err := a.runtime.RemoveVolume(ctx, snap.VolumeName(v)); err != nil {
			return fmt.Errorf("failed to remove volume %s: %w", snap.VolumeName(v), err)
		}
	}
	for _, c := range snap.Configs {
		if err := a.runtime.RemoveConfig(ctx, snap.ConfigName(c)); err != nil {
			return fmt.Errorf("failed to remove config %s: %w", snap.ConfigName(c), err)
		}
	}

	a.log.Info().Str("service", snap.Slug).
		Int("deployments", len(cleanup.Deployments)).
		Msg("archived service resources removed")
	return nil
}

// RemoveProjectNetwork drops the project overlay network once nothing
// is attached to it anymore.
func (a *Activities) RemoveProjectNetwork(ctx context.Context, name string) error {
	if err := a.runtime.RemoveNetwork(ctx, name); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}
