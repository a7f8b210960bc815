package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// Archiving deletes the control plane rows inside one transaction and
// hands runtime teardown to the cleanup workflow. The workflow input is
// frozen before the delete because nothing it needs survives the
// commit.

// ArchiveService removes one service. In-flight deployments are
// cancelled first: queued ones flip directly, started ones get the
// cancel signal and their workflows compensate before the cleanup
// workflow sweeps what is left.
func (m *Manager) ArchiveService(ctx context.Context, serviceID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		project, err := tx.GetProject(svc.ProjectID)
		if err != nil {
			return err
		}
		env, err := tx.GetEnvironment(svc.EnvironmentID)
		if err != nil {
			return err
		}

		cleanup, toSignal, err := m.archiveServiceInTx(tx, project, env, svc)
		if err != nil {
			return err
		}

		payload := &ArchivePayload{
			WorkflowID: types.WorkflowID("archive-service", svc.Slug, types.NewDeploymentHash()),
			Services:   []ServiceCleanup{*cleanup},
		}
		m.scheduleArchive(ctx, tx, payload, toSignal)

		archived := svc
		tx.OnCommit(func() {
			metrics.ServicesTotal.WithLabelValues(string(archived.Kind)).Dec()
			m.broker.Publish(&types.Event{
				Type:          types.EventServiceArchived,
				ProjectID:     archived.ProjectID,
				EnvironmentID: archived.EnvironmentID,
				ServiceID:     archived.ID,
				Message:       fmt.Sprintf("service %s archived", archived.Slug),
			})
		})
		return nil
	})
}

// ArchiveEnvironment removes an environment with every service in it.
// The production environment is not archivable; archiving the project
// is the only way to remove it.
func (m *Manager) ArchiveEnvironment(ctx context.Context, environmentID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		env, err := tx.GetEnvironment(environmentID)
		if err != nil {
			return err
		}
		if env.Name == types.ProductionEnv && !env.IsPreview {
			return zerrors.Conflictf("the production environment cannot be archived")
		}
		project, err := tx.GetProject(env.ProjectID)
		if err != nil {
			return err
		}

		payload, toSignal, err := m.archiveEnvironmentInTx(tx, project, env)
		if err != nil {
			return err
		}
		m.scheduleArchive(ctx, tx, payload, toSignal)
		return nil
	})
}

// ArchivePreviewForPR archives the preview environment created for the
// given pull request. Closing a PR that never grew a preview is fine.
func (m *Manager) ArchivePreviewForPR(ctx context.Context, serviceID string, prNumber int) error {
	var envID string
	err := m.store.View(func(tx *storage.Tx) error {
		env, err := tx.FindPreviewEnvironment(serviceID, prNumber)
		if err != nil {
			return err
		}
		envID = env.ID
		return nil
	})
	if errors.Is(err, zerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.ArchiveEnvironment(ctx, envID)
}

// ArchiveProject removes the project and all of its environments. Only
// the project archive removes the overlay network, so the cleanup
// workflow gets the network name here and nowhere else.
func (m *Manager) ArchiveProject(ctx context.Context, projectID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		project, err := tx.GetProject(projectID)
		if err != nil {
			return err
		}
		envs, err := tx.ListEnvironmentsByProject(projectID)
		if err != nil {
			return err
		}

		merged := &ArchivePayload{
			WorkflowID:  types.WorkflowID("archive-project", project.Slug, types.NewDeploymentHash()),
			NetworkName: types.NetworkNameFor(project.Slug, project.CreatedAt.Unix()),
		}
		var toSignal []*types.Deployment
		for _, env := range envs {
			payload, started, err := m.archiveEnvironmentInTx(tx, project, env)
			if err != nil {
				return err
			}
			merged.Services = append(merged.Services, payload.Services...)
			toSignal = append(toSignal, started...)
		}

		templates, err := tx.ListPreviewTemplatesByProject(projectID)
		if err != nil {
			return err
		}
		for _, tpl := range templates {
			if err := tx.DeletePreviewTemplate(tpl.ID); err != nil {
				return err
			}
		}

		if err := tx.DeleteProject(projectID); err != nil {
			return err
		}

		m.scheduleArchive(ctx, tx, merged, toSignal)
		tx.OnCommit(func() {
			metrics.ProjectsTotal.Dec()
		})
		return nil
	})
}

// archiveEnvironmentInTx deletes the environment and its services
// inside the caller's transaction, returning the cleanup payload and
// the started deployments that still need a cancel signal.
func (m *Manager) archiveEnvironmentInTx(tx *storage.Tx, project *types.Project, env *types.Environment) (*ArchivePayload, []*types.Deployment, error) {
	services, err := tx.ListServicesByEnvironment(env.ID)
	if err != nil {
		return nil, nil, err
	}

	kind := "archive-env"
	if env.IsPreview {
		kind = "archive-preview"
	}
	payload := &ArchivePayload{
		WorkflowID: types.WorkflowID(kind, env.Name, types.NewDeploymentHash()),
	}

	var toSignal []*types.Deployment
	for _, svc := range services {
		cleanup, started, err := m.archiveServiceInTx(tx, project, env, svc)
		if err != nil {
			return nil, nil, err
		}
		payload.Services = append(payload.Services, *cleanup)
		toSignal = append(toSignal, started...)
	}

	if err := tx.DeleteEnvironment(env.ID); err != nil {
		return nil, nil, err
	}

	archived := env
	tx.OnCommit(func() {
		envKind := "standard"
		if archived.IsPreview {
			envKind = "preview"
		}
		metrics.EnvironmentsTotal.WithLabelValues(envKind).Dec()
		if archived.IsPreview && archived.Preview != nil {
			m.broker.Publish(&types.Event{
				Type:          types.EventPreviewArchived,
				ProjectID:     archived.ProjectID,
				EnvironmentID: archived.ID,
				ServiceID:     archived.Preview.ServiceID,
				Message:       fmt.Sprintf("preview environment %s archived", archived.Name),
			})
		}
	})
	return payload, toSignal, nil
}

// archiveServiceInTx cancels the service's in-flight deployments,
// freezes its cleanup payload and deletes its rows. Deployments that
// never got runtime resources are skipped; removal of anything else is
// idempotent in the workflow, so the payload lists every started one.
func (m *Manager) archiveServiceInTx(tx *storage.Tx, project *types.Project, env *types.Environment, svc *types.Service) (*ServiceCleanup, []*types.Deployment, error) {
	toSignal, err := m.flagForCancellationInTx(tx, svc, true)
	if err != nil {
		return nil, nil, err
	}

	deployments, err := tx.ListDeploymentsByService(svc.ID)
	if err != nil {
		return nil, nil, err
	}

	cleanup := &ServiceCleanup{
		Snapshot: types.SnapshotOf(svc, project, env),
	}
	for _, d := range deployments {
		if d.StartedAt != nil {
			var ports []int
			for _, u := range d.URLs {
				ports = append(ports, u.Port)
			}
			cleanup.Deployments = append(cleanup.Deployments, DeploymentCleanup{
				Hash:  d.Hash,
				Ports: ports,
			})
		}

		changeRows, err := tx.ListChangesForDeployment(d.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range changeRows {
			if err := tx.DeleteChange(c.ID); err != nil {
				return nil, nil, err
			}
		}
		if err := tx.DeleteDeployment(d.Hash); err != nil {
			return nil, nil, err
		}
	}

	pending, err := tx.ListPendingChanges(svc.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range pending {
		if err := tx.DeleteChange(c.ID); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.DeleteService(svc.ID); err != nil {
		return nil, nil, err
	}
	return cleanup, toSignal, nil
}

// scheduleArchive registers the post-commit side effects of an archive:
// cancel signals for started deployments and the cleanup workflow
// start. An environment holding no services still commits its row
// deletes; there is just nothing for the workflow to do.
func (m *Manager) scheduleArchive(ctx context.Context, tx *storage.Tx, payload *ArchivePayload, toSignal []*types.Deployment) {
	m.signalAfterCommit(ctx, tx, toSignal)

	if len(payload.Services) == 0 && payload.NetworkName == "" {
		return
	}
	tx.OnCommit(func() {
		if err := m.runner.StartArchive(ctx, payload); err != nil {
			m.log.Error().Err(err).Str("workflow", payload.WorkflowID).Msg("failed to start cleanup workflow")
			return
		}
		metrics.WorkflowsStarted.WithLabelValues("archive").Inc()
	})
}
