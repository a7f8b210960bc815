package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/zane-ops/zane/pkg/health"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/runtime"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// CreateDeploymentVolumes ensures the project network and the
// snapshot's named volumes exist. Bind mounts need no provisioning.
// The returned names are the volumes this run actually created;
// compensation removes only those, never volumes inherited from
// earlier deployments of the service.
func (a *Activities) CreateDeploymentVolumes(ctx context.Context, hash string) ([]string, error) {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return nil, err
	}
	snap := d.Snapshot

	netLabels := map[string]string{
		runtime.LabelManaged: "true",
		runtime.LabelProject: snap.ProjectID,
	}
	if _, err := a.runtime.EnsureNetwork(ctx, snap.NetworkName(), netLabels); err != nil {
		return nil, fmt.Errorf("failed to ensure project network: %w", err)
	}

	var created []string
	for _, v := range snap.Volumes {
		if v.HostPath != "" {
			continue
		}
		name := snap.VolumeName(v)
		fresh, err := a.runtime.EnsureVolume(ctx, name, deploymentLabels(d))
		if err != nil {
			return created, fmt.Errorf("failed to ensure volume %s: %w", name, err)
		}
		if fresh {
			created = append(created, name)
		}
	}
	return created, nil
}

// CreateDeploymentConfigs materializes the snapshot's config objects.
// Config names carry the content version, so an unchanged config is
// found and an updated one is created fresh next to the old version.
func (a *Activities) CreateDeploymentConfigs(ctx context.Context, hash string) ([]string, error) {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return nil, err
	}
	snap := d.Snapshot

	var created []string
	for _, c := range snap.Configs {
		name := snap.ConfigName(c)
		fresh, err := a.runtime.EnsureConfig(ctx, name, []byte(c.Contents), deploymentLabels(d))
		if err != nil {
			return created, fmt.Errorf("failed to ensure config %s: %w", name, err)
		}
		if fresh {
			created = append(created, name)
		}
	}
	return created, nil
}

// ScaleDownPreviousDeployment stops the current production tasks ahead
// of the new service's creation, releasing volume locks held by the old
// containers. The deployment row keeps its status; rollback only needs
// to scale it back up.
func (a *Activities) ScaleDownPreviousDeployment(ctx context.Context, prevHash string) error {
	prev, err := a.loadDeployment(prevHash)
	if err != nil {
		if errors.Is(err, zerrors.ErrNotFound) {
			return nil
		}
		return err
	}
	name := prev.Snapshot.RuntimeServiceName(prev.Hash)
	if err := a.runtime.ScaleService(ctx, name, 0); err != nil {
		return fmt.Errorf("failed to scale down %s: %w", name, err)
	}
	a.log.Info().Str("deployment", prevHash).Msg("previous deployment scaled down")
	return nil
}

// SwarmServiceInput names the deployment and the image it runs. Image
// comes from the build or pull step; an empty value falls back to the
// snapshot's reference.
type SwarmServiceInput struct {
	Hash  string
	Image string
}

// CreateSwarmService creates the runtime service for the deployment:
// one replica on the project network, addressable by the stable
// network alias and by the slot alias, mounting the snapshot's volumes
// and configs.
func (a *Activities) CreateSwarmService(ctx context.Context, in SwarmServiceInput) error {
	d, err := a.loadDeployment(in.Hash)
	if err != nil {
		return err
	}
	snap := d.Snapshot

	image := in.Image
	if image == "" {
		image = snap.Image
	}

	spec := &runtime.ServiceSpec{
		Name:    snap.RuntimeServiceName(d.Hash),
		Image:   image,
		Command: snap.Command,
		Env:     deploymentEnv(d),
		Networks: []runtime.NetworkAttachment{{
			Name:    snap.NetworkName(),
			Aliases: []string{snap.NetworkAlias, snap.SlotAlias(d.Slot)},
		}},
		Labels:   deploymentLabels(d),
		Replicas: 1,
	}
	for _, v := range snap.Volumes {
		mount := runtime.VolumeMount{
			ContainerPath: v.ContainerPath,
			ReadOnly:      v.Mode == types.VolumeModeReadOnly,
		}
		if v.HostPath != "" {
			mount.HostPath = v.HostPath
		} else {
			mount.VolumeName = snap.VolumeName(v)
		}
		spec.Mounts = append(spec.Mounts, mount)
	}
	for _, c := range snap.Configs {
		spec.Configs = append(spec.Configs, runtime.ConfigMount{
			Name:      snap.ConfigName(c),
			MountPath: c.MountPath,
		})
	}
	for _, p := range snap.Ports {
		spec.Ports = append(spec.Ports, runtime.PortPublish{Host: p.Host, Container: p.Forwarded})
	}
	if rl := snap.ResourceLimits; rl != nil {
		spec.Limits = &runtime.Resources{CPUs: rl.CPUs, MemoryBytes: rl.MemoryBytes}
	}

	if _, err := a.runtime.EnsureService(ctx, spec); err != nil {
		return fmt.Errorf("failed to create runtime service %s: %w", spec.Name, err)
	}
	a.log.Info().Str("deployment", d.Hash).Str("service", spec.Name).Msg("runtime service created")
	return nil
}

// ExposeDeploymentToHTTP installs the ephemeral per-deployment routes.
// They dial the runtime service directly, so the deployment is
// reachable on its own domains before promotion.
func (a *Activities) ExposeDeploymentToHTTP(ctx context.Context, hash string) error {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return err
	}
	name := d.Snapshot.RuntimeServiceName(d.Hash)
	for _, du := range d.URLs {
		if err := a.proxy.EnsureRoute(ctx, proxy.DeploymentRoute(d.Hash, du, name)); err != nil {
			return fmt.Errorf("failed to expose %s: %w", du.Domain, err)
		}
	}
	return nil
}

// CheckDeploymentHealth runs one probe round. The workflow owns the
// retry loop and the deadline; an unhealthy result here is information,
// not an error.
func (a *Activities) CheckDeploymentHealth(ctx context.Context, hash string) (*health.Result, error) {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return nil, err
	}
	res := a.prober.Round(ctx, health.Probe{
		ServiceName: d.Snapshot.RuntimeServiceName(d.Hash),
		Check:       d.Snapshot.Healthcheck,
	})
	return &res, nil
}

// ExposeServiceToHTTP points the production routes at this deployment's
// slot. Existing routes get their upstreams swapped in place, which
// preserves matchers and rewrites; missing routes (first deployment,
// newly added URLs) are installed.
func (a *Activities) ExposeServiceToHTTP(ctx context.Context, hash string) error {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return err
	}
	snap := d.Snapshot

	for _, u := range snap.URLs {
		id := proxy.ServiceRouteID(snap.ID, u.ID)

		if u.RedirectTo != nil {
			if err := a.proxy.EnsureRoute(ctx, proxy.ServiceRoute(snap, u, d.Slot)); err != nil {
				return fmt.Errorf("failed to install redirect for %s: %w", u.Domain, err)
			}
			continue
		}

		_, found, err := a.proxy.GetRoute(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			if err := a.proxy.EnsureRoute(ctx, proxy.ServiceRoute(snap, u, d.Slot)); err != nil {
				return fmt.Errorf("failed to install route for %s: %w", u.Domain, err)
			}
			continue
		}
		if err := a.proxy.SwapUpstream(ctx, id, proxy.ServiceUpstreamDial(snap, u, d.Slot)); err != nil {
			return fmt.Errorf("failed to swap route for %s: %w", u.Domain, err)
		}
	}
	return nil
}

// CleanupPreviousDeployment removes the demoted deployment's runtime
// service and ephemeral routes and marks its row REMOVED. Named
// volumes and configs are left behind: the new deployment mounts them.
func (a *Activities) CleanupPreviousDeployment(ctx context.Context, prevHash string) error {
	prev, err := a.loadDeployment(prevHash)
	if err != nil {
		if errors.Is(err, zerrors.ErrNotFound) {
			return nil
		}
		return err
	}

	name := prev.Snapshot.RuntimeServiceName(prev.Hash)
	if err := a.runtime.RemoveService(ctx, name); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	for _, du := range prev.URLs {
		if err := a.proxy.DeleteRoute(ctx, proxy.DeploymentRouteID(prev.Hash, du.Port)); err != nil {
			return fmt.Errorf("failed to delete route for %s: %w", du.Domain, err)
		}
	}

	return a.store.Update(func(tx *storage.Tx) error {
		row, err := tx.GetDeployment(prevHash)
		if err != nil {
			return err
		}
		if row.Status == types.DeploymentStatusRemoved {
			return nil
		}
		old := row.Status
		row.Status = types.DeploymentStatusRemoved
		row.StatusReason = "replaced by a newer deployment"
		row.IsCurrentProduction = false
		if err := tx.UpdateDeployment(row); err != nil {
			return err
		}
		tx.OnCommit(func() {
			metrics.DeploymentsTotal.WithLabelValues(string(old)).Dec()
			metrics.DeploymentsTotal.WithLabelValues(string(row.Status)).Inc()
			a.broker.PublishDeploymentStatus(row, row.StatusReason)
		})
		return nil
	})
}

// RestorePreviousScale brings the previous production deployment back
// up during rollback. It re-checks production ownership in the store
// first: when a concurrent deployment has promoted itself meanwhile,
// resurrecting this one would fight the new owner.
func (a *Activities) RestorePreviousScale(ctx context.Context, prevHash string) error {
	prev, err := a.loadDeployment(prevHash)
	if err != nil {
		if errors.Is(err, zerrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if !prev.IsCurrentProduction {
		a.log.Info().Str("deployment", prevHash).
			Msg("previous deployment no longer holds production, leaving it down")
		return nil
	}
	name := prev.Snapshot.RuntimeServiceName(prev.Hash)
	if err := a.runtime.ScaleService(ctx, name, 1); err != nil {
		return fmt.Errorf("failed to restore %s: %w", name, err)
	}
	return nil
}

// RemoveDeploymentService tears the deployment's runtime service down
// during compensation.
func (a *Activities) RemoveDeploymentService(ctx context.Context, hash string) error {
	d, err := a.loadDeployment(hash)
	if err != nil {
		if errors.Is(err, zerrors.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.runtime.RemoveService(ctx, d.Snapshot.RuntimeServiceName(d.Hash))
}

// RemoveDeploymentRoutes deletes the deployment's ephemeral routes.
func (a *Activities) RemoveDeploymentRoutes(ctx context.Context, hash string) error {
	d, err := a.loadDeployment(hash)
	if err != nil {
		if errors.Is(err, zerrors.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, du := range d.URLs {
		if err := a.proxy.DeleteRoute(ctx, proxy.DeploymentRouteID(d.Hash, du.Port)); err != nil {
			return err
		}
	}
	return nil
}

// RevertInput names the failed deployment and the production
// deployment that preceded it.
type RevertInput struct {
	Hash         string
	PreviousHash string
}

// RevertServiceRoutes undoes a completed service-route swap. URLs the
// previous production also served are re-pointed at its slot; URLs new
// in this deployment are deleted. Without a previous production
// deployment every service route is removed. The previous row is
// re-read from the store so a revert never steals routes from a
// deployment that promoted itself concurrently.
func (a *Activities) RevertServiceRoutes(ctx context.Context, in RevertInput) error {
	d, err := a.loadDeployment(in.Hash)
	if err != nil {
		return err
	}
	snap := d.Snapshot

	if svc, err := a.store.GetService(d.ServiceID); err == nil {
		if cur := svc.CurrentDeploymentHash; cur != "" && cur != in.Hash && cur != in.PreviousHash {
			// a newer deployment owns the production routes now
			return nil
		}
	}

	var prev *types.Deployment
	if in.PreviousHash != "" {
		p, err := a.loadDeployment(in.PreviousHash)
		if err != nil && !errors.Is(err, zerrors.ErrNotFound) {
			return err
		}
		if err == nil && p.IsCurrentProduction {
			prev = p
		}
	}

	prevURLs := map[string]*types.URL{}
	if prev != nil {
		for _, u := range prev.Snapshot.URLs {
			prevURLs[u.ID] = u
		}
	}

	for _, u := range snap.URLs {
		id := proxy.ServiceRouteID(snap.ID, u.ID)
		old, served := prevURLs[u.ID]
		if prev == nil || !served {
			if err := a.proxy.DeleteRoute(ctx, id); err != nil {
				return err
			}
			continue
		}
		if old.RedirectTo != nil {
			continue
		}
		if err := a.proxy.SwapUpstream(ctx, id, proxy.ServiceUpstreamDial(prev.Snapshot, old, prev.Slot)); err != nil {
			if errors.Is(err, zerrors.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// ResourceCleanupInput lists the volumes and configs one run created.
type ResourceCleanupInput struct {
	Volumes []string
	Configs []string
}

// RemoveCreatedResources deletes the named volumes and configs during
// compensation. Failures are logged and skipped; a leftover volume is
// better than a rollback stuck on it.
func (a *Activities) RemoveCreatedResources(ctx context.Context, in ResourceCleanupInput) error {
	for _, name := range in.Volumes {
		if err := a.runtime.RemoveVolume(ctx, name); err != nil {
			a.log.Warn().Err(err).Str("volume", name).Msg("failed to remove volume during rollback")
		}
	}
	for _, name := range in.Configs {
		if err := a.runtime.RemoveConfig(ctx, name); err != nil {
			a.log.Warn().Err(err).Str("config", name).Msg("failed to remove config during rollback")
		}
	}
	return nil
}

// ScaleInput addresses a deployment's runtime service.
type ScaleInput struct {
	Hash     string
	Replicas uint64
}

// ScaleRuntimeService sets the replica count of the deployment's
// runtime service. The toggle workflow uses it for sleep and wake.
func (a *Activities) ScaleRuntimeService(ctx context.Context, in ScaleInput) error {
	d, err := a.loadDeployment(in.Hash)
	if err != nil {
		return err
	}
	name := d.Snapshot.RuntimeServiceName(d.Hash)
	if err := a.runtime.ScaleService(ctx, name, in.Replicas); err != nil {
		return fmt.Errorf("failed to scale %s to %d: %w", name, in.Replicas, err)
	}
	return nil
}
