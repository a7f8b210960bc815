package manager

import (
	"context"
	"time"

	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// supersededReason is recorded on deployments cancelled because newer
// work replaced them in the queue.
const supersededReason = "Cancelled due to superseding deployment"

// FlagDeploymentsForCancellation sweeps the service's in-flight
// deployments. Deployments no workflow has picked up are flipped to
// CANCELLED directly; started ones are returned so the caller can
// signal their workflows after its transaction commits. includeRunning
// extends the sweep past the waiting queue.
func (m *Manager) FlagDeploymentsForCancellation(ctx context.Context, serviceID string, includeRunning bool) ([]*types.Deployment, error) {
	var started []*types.Deployment
	err := m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		started, err = m.flagForCancellationInTx(tx, svc, includeRunning)
		return err
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CleanupQueue cancels the service's in-flight deployments: queued work
// is flipped directly and started deployments get the cancel signal
// once the transaction lands.
func (m *Manager) CleanupQueue(ctx context.Context, serviceID string, cancelRunning bool) error {
	return m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		started, err := m.flagForCancellationInTx(tx, svc, cancelRunning)
		if err != nil {
			return err
		}
		m.signalAfterCommit(ctx, tx, started)
		return nil
	})
}

// CancelDeployment requests cancellation of one deployment. Queued work
// is flipped directly; a started deployment is signalled and its
// workflow acknowledges at the next suspension point.
func (m *Manager) CancelDeployment(ctx context.Context, hash, reason string) error {
	if reason == "" {
		reason = "Deployment cancelled by user"
	}
	return m.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(hash)
		if err != nil {
			return err
		}
		if d.FinishedAt != nil || !d.Status.Cancelable() {
			return zerrors.Conflictf("deployment %s is %s and cannot be cancelled", d.Hash, d.Status)
		}
		if d.CancelRequested {
			return zerrors.Conflictf("deployment %s is already being cancelled", d.Hash)
		}

		if d.StartedAt == nil {
			m.flipToCancelled(tx, d, reason)
			return tx.UpdateDeployment(d)
		}

		d.CancelRequested = true
		d.StatusReason = reason
		if err := tx.UpdateDeployment(d); err != nil {
			return err
		}
		workflowID := d.WorkflowID
		tx.OnCommit(func() {
			if err := m.runner.SignalCancel(ctx, workflowID); err != nil {
				m.log.Warn().Err(err).Str("deployment", hash).Msg("failed to signal cancellation")
			}
		})
		return nil
	})
}

// flagForCancellationInTx implements the sweep inside the caller's
// transaction and returns the started deployments for signalling.
func (m *Manager) flagForCancellationInTx(tx *storage.Tx, svc *types.Service, includeRunning bool) ([]*types.Deployment, error) {
	deployments, err := tx.ListDeploymentsByService(svc.ID)
	if err != nil {
		return nil, err
	}

	var started []*types.Deployment
	for _, d := range deployments {
		if !d.Status.Cancelable() {
			continue
		}
		if !includeRunning && d.Status != types.DeploymentStatusQueued {
			continue
		}

		if d.StartedAt == nil {
			m.flipToCancelled(tx, d, supersededReason)
			if err := tx.UpdateDeployment(d); err != nil {
				return nil, err
			}
			continue
		}
		d.CancelRequested = true
		d.StatusReason = supersededReason
		if err := tx.UpdateDeployment(d); err != nil {
			return nil, err
		}
		started = append(started, d)
	}
	return started, nil
}

// flipToCancelled terminates a deployment that never started. The
// CancelRequested flag stays set so a workflow racing the flip exits on
// its first row check.
func (m *Manager) flipToCancelled(tx *storage.Tx, d *types.Deployment, reason string) {
	now := time.Now().UTC()
	d.Status = types.DeploymentStatusCancelled
	d.StatusReason = reason
	d.CancelRequested = true
	d.FinishedAt = &now

	dep := d
	tx.OnCommit(func() {
		m.broker.Publish(&types.Event{
			Type:           types.EventDeploymentCancelled,
			ServiceID:      dep.ServiceID,
			DeploymentHash: dep.Hash,
			Message:        dep.StatusReason,
		})
	})
}

// signalAfterCommit queues cancel signals for started deployments, sent
// only once the transaction lands.
func (m *Manager) signalAfterCommit(ctx context.Context, tx *storage.Tx, started []*types.Deployment) {
	if len(started) == 0 {
		return
	}
	tx.OnCommit(func() {
		for _, d := range started {
			if err := m.runner.SignalCancel(ctx, d.WorkflowID); err != nil {
				m.log.Warn().Err(err).Str("deployment", d.Hash).Msg("failed to signal cancellation")
			}
		}
	})
}
