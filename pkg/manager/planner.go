package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zane-ops/zane/pkg/changes"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// DeployOptions tune one deployment request. The zero value is a plain
// manual deployment of whatever is pending on the change log.
type DeployOptions struct {
	Trigger          types.DeploymentTrigger
	CommitSHA        string
	CommitMessage    string
	CommitAuthor     string
	RedeployOfHash   string
	IgnoreBuildCache bool

	// CleanupQueue flags the service's older in-flight deployments for
	// cancellation before the new one is queued.
	CleanupQueue bool

	// NewImage stages a SOURCE change before planning. Used by the
	// deploy-token endpoint to bump the image tag in the same request.
	NewImage string
}

// PrepareNewDeployment queues a deployment: it creates the QUEUED row,
// folds the pending change log into the service, freezes the result as
// the deployment's snapshot, alternates the blue/green slot and mints
// one ephemeral URL per exposed port. The workflow starts once the
// transaction commits.
func (m *Manager) PrepareNewDeployment(ctx context.Context, serviceID string, opts DeployOptions) (*types.Deployment, error) {
	if opts.Trigger == "" {
		opts.Trigger = types.TriggerManual
	}

	// HEAD resolution talks to the git remote, so it happens before the
	// write transaction opens.
	commitSHA, err := m.resolveCommit(ctx, serviceID, opts.CommitSHA)
	if err != nil {
		return nil, err
	}
	opts.CommitSHA = commitSHA

	var deployment *types.Deployment
	err = m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}

		if opts.NewImage != "" {
			value, err := json.Marshal(&types.SourceValue{Image: opts.NewImage, Credentials: svc.Credentials})
			if err != nil {
				return err
			}
			if err := changes.AddChange(tx, svc, &types.DeploymentChange{
				Field:    types.FieldSource,
				Type:     types.ChangeTypeUpdate,
				NewValue: value,
			}); err != nil {
				return err
			}
		}

		if opts.CleanupQueue {
			started, err := m.flagForCancellationInTx(tx, svc, true)
			if err != nil {
				return err
			}
			m.signalAfterCommit(ctx, tx, started)
		}

		deployment, err = m.planDeployment(ctx, tx, svc, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

// RedeployService queues a deployment that returns the service to the
// state frozen in an earlier deployment's snapshot. The differences
// between now and then are staged as ordinary changes, so the redeploy
// flows through the same planning and audit path as any other deploy.
func (m *Manager) RedeployService(ctx context.Context, serviceID, hash string) (*types.Deployment, error) {
	var deployment *types.Deployment
	err := m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		target, err := tx.GetDeployment(hash)
		if err != nil {
			return err
		}
		if target.ServiceID != svc.ID {
			return zerrors.NotFoundf("deployment %s on service %s", hash, svc.Slug)
		}
		if target.Snapshot == nil {
			return zerrors.Conflictf("deployment %s has no snapshot to redeploy", hash)
		}

		project, err := tx.GetProject(svc.ProjectID)
		if err != nil {
			return err
		}
		env, err := tx.GetEnvironment(svc.EnvironmentID)
		if err != nil {
			return err
		}

		// The diff of two frozen snapshots needs no re-validation; both
		// sides already passed it. Timestamps are strictly increasing so
		// the apply order matches the diff order.
		diff := changes.SnapshotDiff(types.SnapshotOf(svc, project, env), target.Snapshot)
		base := time.Now().UTC()
		for i, c := range diff {
			c.ID = types.NewID(types.PrefixChange)
			c.ServiceID = svc.ID
			c.Applied = false
			c.CreatedAt = base.Add(time.Duration(i))
			if err := tx.CreateChange(c); err != nil {
				return err
			}
		}

		deployment, err = m.planDeployment(ctx, tx, svc, DeployOptions{
			Trigger:        types.TriggerManual,
			RedeployOfHash: target.Hash,
			CommitSHA:      target.CommitSHA,
			CommitMessage:  target.CommitMessage,
			CommitAuthor:   target.CommitAuthor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

// planDeployment runs the planning steps inside the caller's
// transaction. Preview creation and fork approval reuse it to queue
// several services atomically.
func (m *Manager) planDeployment(ctx context.Context, tx *storage.Tx, svc *types.Service, opts DeployOptions) (*types.Deployment, error) {
	project, err := tx.GetProject(svc.ProjectID)
	if err != nil {
		return nil, err
	}
	env, err := tx.GetEnvironment(svc.EnvironmentID)
	if err != nil {
		return nil, err
	}

	hash := types.NewDeploymentHash()
	workflowName := "deploy-image"
	if svc.Kind == types.ServiceKindGit {
		workflowName = "deploy-git"
	}
	deployment := &types.Deployment{
		ID:               types.NewID(types.PrefixDeployment),
		Hash:             hash,
		ServiceID:        svc.ID,
		WorkflowID:       types.WorkflowID(workflowName, svc.Slug, hash),
		Status:           types.DeploymentStatusQueued,
		Trigger:          opts.Trigger,
		RedeployOfHash:   opts.RedeployOfHash,
		IgnoreBuildCache: opts.IgnoreBuildCache,
		QueuedAt:         time.Now().UTC(),
	}

	if _, err := changes.ApplyPendingChanges(tx, svc, deployment); err != nil {
		return nil, err
	}

	deployment.Slot = types.SlotBlue
	if svc.CurrentDeploymentHash != "" {
		current, err := tx.GetDeployment(svc.CurrentDeploymentHash)
		if err != nil {
			return nil, err
		}
		deployment.Slot = current.Slot.Next()
	}

	deployment.Snapshot = types.SnapshotOf(svc, project, env)

	deployment.CommitSHA = opts.CommitSHA
	deployment.CommitMessage = opts.CommitMessage
	deployment.CommitAuthor = opts.CommitAuthor
	if svc.Kind == types.ServiceKindGit && deployment.CommitSHA == "" && svc.Repository != nil {
		deployment.CommitSHA = svc.Repository.CommitSHA
	}
	if deployment.CommitMessage == "" {
		deployment.CommitMessage = "update service"
	}

	deployment.URLs = deploymentURLs(m.cfg.RootDomain, hash, svc)

	if err := tx.CreateDeployment(deployment); err != nil {
		return nil, err
	}

	m.scheduleStart(ctx, tx, deployment)
	return deployment, nil
}

// deploymentURLs mints one ephemeral domain per distinct port exposed
// through the service's URLs.
func deploymentURLs(rootDomain, hash string, svc *types.Service) []*types.DeploymentURL {
	seen := make(map[int]bool)
	var urls []*types.DeploymentURL
	for _, u := range svc.URLs {
		if u.AssociatedPort <= 0 || seen[u.AssociatedPort] {
			continue
		}
		seen[u.AssociatedPort] = true
		urls = append(urls, &types.DeploymentURL{
			Domain: types.DeploymentURLDomain(rootDomain, hash, u.AssociatedPort),
			Port:   u.AssociatedPort,
		})
	}
	return urls
}

// scheduleStart registers the post-commit side effects of planning: the
// queued event and the workflow start. A start failure flips the row to
// FAILED so the deployment does not sit QUEUED forever.
func (m *Manager) scheduleStart(ctx context.Context, tx *storage.Tx, deployment *types.Deployment) {
	tx.OnCommit(func() {
		m.broker.Publish(&types.Event{
			Type:           types.EventDeploymentQueued,
			ProjectID:      deployment.Snapshot.ProjectID,
			EnvironmentID:  deployment.Snapshot.EnvironmentID,
			ServiceID:      deployment.ServiceID,
			DeploymentHash: deployment.Hash,
			Message:        fmt.Sprintf("deployment %s queued", deployment.Hash),
		})
		metrics.DeploymentsTotal.WithLabelValues(string(types.DeploymentStatusQueued)).Inc()

		if err := m.runner.StartDeployment(ctx, deployment); err != nil {
			m.log.Error().Err(err).Str("deployment", deployment.Hash).Msg("failed to start deployment workflow")
			m.markStartFailed(deployment.Hash, err)
			return
		}
		metrics.WorkflowsStarted.WithLabelValues("deploy").Inc()
	})
}

// markStartFailed records that a deployment's workflow never started.
// Runs after the planning transaction committed and released the
// writer, so opening a fresh one is safe.
func (m *Manager) markStartFailed(hash string, cause error) {
	err := m.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(hash)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		d.Status = types.DeploymentStatusFailed
		d.StatusReason = fmt.Sprintf("failed to start workflow: %v", cause)
		d.FinishedAt = &now
		return tx.UpdateDeployment(d)
	})
	if err != nil {
		m.log.Error().Err(err).Str("deployment", hash).Msg("failed to record workflow start failure")
	}
}

// resolveCommit pins the commit a git deployment will build. A pending
// GIT_SOURCE change wins over the service row since planning is about
// to apply it. Resolution failures keep the literal HEAD; the executor
// retries with its own backoff.
func (m *Manager) resolveCommit(ctx context.Context, serviceID, requested string) (string, error) {
	if requested != "" && requested != "HEAD" {
		return requested, nil
	}

	var src *types.GitSourceValue
	err := m.store.View(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		if svc.Kind != types.ServiceKindGit {
			return nil
		}
		pending, err := tx.ListPendingChanges(svc.ID)
		if err != nil {
			return err
		}
		for i := len(pending) - 1; i >= 0; i-- {
			c := pending[i]
			if c.Field != types.FieldGitSource || len(c.NewValue) == 0 {
				continue
			}
			var v types.GitSourceValue
			if err := json.Unmarshal(c.NewValue, &v); err != nil {
				return err
			}
			src = &v
			return nil
		}
		if svc.Repository != nil {
			src = &types.GitSourceValue{
				RepositoryURL: svc.Repository.URL,
				Branch:        svc.Repository.Branch,
				CommitSHA:     svc.Repository.CommitSHA,
				GitAppID:      svc.Repository.GitAppID,
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if src == nil {
		return requested, nil
	}

	sha := src.CommitSHA
	if requested == "HEAD" {
		sha = "HEAD"
	}
	if sha != "" && sha != "HEAD" {
		return sha, nil
	}

	repoURL := src.RepositoryURL
	if src.GitAppID != "" && m.gitapps != nil {
		authed, err := m.gitapps.AuthenticatedURL(ctx, src.GitAppID, repoURL)
		if err != nil {
			m.log.Warn().Err(err).Str("service", serviceID).Msg("failed to authenticate repository url, deferring HEAD resolution to the executor")
			return "HEAD", nil
		}
		repoURL = authed
	}
	resolved, err := m.resolveHead(ctx, repoURL, src.Branch)
	if err != nil {
		m.log.Warn().Err(err).Str("service", serviceID).Str("branch", src.Branch).Msg("failed to resolve branch head, deferring to the executor")
		return "HEAD", nil
	}
	return resolved, nil
}
