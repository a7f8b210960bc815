package workflows

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"

	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/types"
)

// Dial connects to the Temporal service described by the config,
// routing SDK logs through the process logger.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	return client.Dial(client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    NewTemporalLogger(),
	})
}

// Runner starts and signals workflow executions on behalf of the
// manager.
type Runner struct {
	tc  client.Client
	cfg config.TemporalConfig
	log zerolog.Logger
}

var _ manager.WorkflowRunner = (*Runner)(nil)

// NewRunner wraps a connected Temporal client.
func NewRunner(tc client.Client, cfg config.TemporalConfig) *Runner {
	return &Runner{tc: tc, cfg: cfg, log: log.WithComponent("workflows")}
}

// StartDeployment launches the deployment workflow matching the
// snapshot's kind. The workflow id was minted by the planner; the
// server rejects a second start of the same id, so a crashed manager
// retrying the queue cannot double-deploy.
func (r *Runner) StartDeployment(ctx context.Context, d *types.Deployment) error {
	wf := DeployImageServiceWorkflow
	if d.Snapshot != nil && d.Snapshot.Kind == types.ServiceKindGit {
		wf = DeployGitServiceWorkflow
	}

	run, err := r.tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       d.WorkflowID,
		TaskQueue:                r.cfg.TaskQueue,
		WorkflowExecutionTimeout: r.cfg.DeployTimeout(),
	}, wf, d)
	if err != nil {
		return fmt.Errorf("failed to start the deployment workflow: %w", err)
	}
	r.log.Debug().Str("workflow", d.WorkflowID).Str("run", run.GetRunID()).
		Msg("deployment workflow started")
	return nil
}

// SignalCancel delivers a cancellation to a started deployment. The
// workflow picks it up at its next step boundary.
func (r *Runner) SignalCancel(ctx context.Context, workflowID string) error {
	if err := r.tc.SignalWorkflow(ctx, workflowID, "", SignalCancelDeployment, nil); err != nil {
		return fmt.Errorf("failed to signal %s: %w", workflowID, err)
	}
	return nil
}

// StartArchive launches the teardown workflow for archived resources.
func (r *Runner) StartArchive(ctx context.Context, payload *manager.ArchivePayload) error {
	_, err := r.tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        payload.WorkflowID,
		TaskQueue: r.cfg.TaskQueue,
	}, ArchiveResourcesWorkflow, payload)
	if err != nil {
		return fmt.Errorf("failed to start the cleanup workflow: %w", err)
	}
	return nil
}

// StartToggle launches the sleep/wake workflow.
func (r *Runner) StartToggle(ctx context.Context, payload *manager.TogglePayload) error {
	_, err := r.tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        payload.WorkflowID,
		TaskQueue: r.cfg.TaskQueue,
	}, ToggleServiceWorkflow, payload)
	if err != nil {
		return fmt.Errorf("failed to start the toggle workflow: %w", err)
	}
	return nil
}
