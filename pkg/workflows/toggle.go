package workflows

import (
	"go.temporal.io/sdk/workflow"

	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/types"
)

// ToggleServiceWorkflow puts the production deployment to sleep or
// wakes it back up. Sleep is a scale to zero; the runtime service, its
// routes and the production pointer all stay in place. Wake scales
// back to one and re-runs the healthcheck gate before declaring the
// deployment HEALTHY again.
func ToggleServiceWorkflow(ctx workflow.Context, payload *manager.TogglePayload) error {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	if payload.Sleep {
		if err := workflow.ExecuteActivity(ctx, a.ScaleRuntimeService, ScaleInput{
			Hash:     payload.Hash,
			Replicas: 0,
		}).Get(ctx, nil); err != nil {
			return err
		}
		logger.Info("service put to sleep", "hash", payload.Hash)
		return workflow.ExecuteActivity(ctx, a.SetDeploymentStatus, StatusInput{
			Hash:   payload.Hash,
			Status: types.DeploymentStatusSleeping,
			Reason: "service put to sleep",
		}).Get(ctx, nil)
	}

	if err := workflow.ExecuteActivity(ctx, a.SetDeploymentStatus, StatusInput{
		Hash:   payload.Hash,
		Status: types.DeploymentStatusStarting,
		Reason: "waking the service up",
	}).Get(ctx, nil); err != nil {
		return err
	}
	if err := workflow.ExecuteActivity(ctx, a.ScaleRuntimeService, ScaleInput{
		Hash:     payload.Hash,
		Replicas: 1,
	}).Get(ctx, nil); err != nil {
		return err
	}

	var d types.Deployment
	if err := workflow.ExecuteActivity(ctx, a.GetDeployment, payload.Hash).Get(ctx, &d); err != nil {
		return err
	}
	healthy, message, err := waitHealthy(ctx, payload.Hash, d.Snapshot.Healthcheck, nil)
	if err != nil {
		return err
	}

	status := types.DeploymentStatusHealthy
	if !healthy {
		status = types.DeploymentStatusUnhealthy
		logger.Warn("service did not come back healthy", "hash", payload.Hash, "message", message)
	}
	return workflow.ExecuteActivity(ctx, a.SetDeploymentStatus, StatusInput{
		Hash:   payload.Hash,
		Status: status,
		Reason: message,
	}).Get(ctx, nil)
}
