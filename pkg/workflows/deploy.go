package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/zane-ops/zane/pkg/git"
	"github.com/zane-ops/zane/pkg/health"
	"github.com/zane-ops/zane/pkg/types"
)

// SignalCancelDeployment is the channel the manager signals to cancel
// a deployment the executor already picked up.
const SignalCancelDeployment = "cancel_deployment"

// previousRemovalGrace separates the route swap from the demoted
// deployment's teardown, covering requests already in flight through
// the proxy.
const previousRemovalGrace = 30 * time.Second

var (
	errCancelled  = errors.New("deployment cancelled")
	errUnhealthy  = errors.New("deployment did not become healthy")
	errSuperseded = errors.New("deployment superseded")
)

// DeployImageServiceWorkflow deploys a snapshot whose source is a
// registry image.
func DeployImageServiceWorkflow(ctx workflow.Context, d *types.Deployment) error {
	return runDeployment(ctx, d, false)
}

// DeployGitServiceWorkflow deploys a snapshot built from a git
// repository: clone and build first, then the shared step sequence.
func DeployGitServiceWorkflow(ctx workflow.Context, d *types.Deployment) error {
	return runDeployment(ctx, d, true)
}

func runDeployment(ctx workflow.Context, d *types.Deployment, fromGit bool) error {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var acq AcquireResult
	if err := workflow.ExecuteActivity(ctx, a.AcquireDeployment, d.Hash).Get(ctx, &acq); err != nil {
		return err
	}
	if !acq.Proceed {
		logger.Info("deployment is not runnable anymore",
			"hash", d.Hash, "status", string(acq.Deployment.Status))
		if acq.Deployment.FinishedAt == nil {
			// cancelled while queued, but the workflow started anyway
			return workflow.ExecuteActivity(ctx, a.FinalizeDeployment, FinalizeInput{
				Hash:   d.Hash,
				Status: types.DeploymentStatusCancelled,
			}).Get(ctx, nil)
		}
		return nil
	}

	run := &deployRun{
		deployment: acq.Deployment,
		previous:   acq.Previous,
		fromGit:    fromGit,
		cancelCh:   workflow.GetSignalChannel(ctx, SignalCancelDeployment),
		lastMark:   workflow.Now(ctx),
	}

	err := run.execute(ctx)
	if err == nil {
		return nil
	}

	logger.Info("deployment did not finish, compensating", "hash", d.Hash, "error", err.Error())
	run.compensate(ctx)

	final := FinalizeInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusFailed,
		Reason: failureReason(err),
	}
	switch {
	case errors.Is(err, errCancelled):
		final.Status = types.DeploymentStatusCancelled
		final.Reason = "" // keep the reason the cancel request recorded
	case errors.Is(err, errUnhealthy):
		final.Status = types.DeploymentStatusUnhealthy
		final.Reason = run.failureMessage
	case errors.Is(err, errSuperseded):
		final.Reason = run.failureMessage
	}
	return workflow.ExecuteActivity(ctx, a.FinalizeDeployment, final).Get(ctx, nil)
}

// deployRun carries the workflow-local state compensation needs: how
// far the step marker got, what this run created and whether a cancel
// or a lost promotion ended it.
type deployRun struct {
	deployment *types.Deployment
	previous   *types.Deployment
	fromGit    bool

	cancelCh    workflow.ReceiveChannel
	cancelAsked bool

	image          string
	createdVolumes []string
	createdConfigs []string
	lastStep       types.DeploymentStep
	lastMark       time.Time
	promoted       bool
	failureMessage string
}

func (r *deployRun) execute(ctx workflow.Context) error {
	d := r.deployment

	if err := r.guard(ctx); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepInitialized); err != nil {
		return err
	}

	if r.fromGit {
		if err := r.buildFromSource(ctx); err != nil {
			return err
		}
	} else {
		if err := r.pullImage(ctx); err != nil {
			return err
		}
	}

	if err := r.guard(ctx); err != nil {
		return err
	}
	if err := workflow.ExecuteActivity(ctx, a.CreateDeploymentVolumes, d.Hash).Get(ctx, &r.createdVolumes); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepVolumesCreated); err != nil {
		return err
	}

	if err := r.guard(ctx); err != nil {
		return err
	}
	if err := workflow.ExecuteActivity(ctx, a.CreateDeploymentConfigs, d.Hash).Get(ctx, &r.createdConfigs); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepConfigsCreated); err != nil {
		return err
	}

	// Stop-first: the previous deployment's tasks release their volume
	// locks before the new service starts. The blue/green slot aliases
	// keep the proxy pointing at the previous slot until promotion.
	if err := r.guard(ctx); err != nil {
		return err
	}
	if r.previous != nil {
		if err := workflow.ExecuteActivity(ctx, a.ScaleDownPreviousDeployment, r.previous.Hash).Get(ctx, nil); err != nil {
			return err
		}
	}
	if err := r.mark(ctx, types.StepPreviousScaledDown); err != nil {
		return err
	}

	if err := r.guard(ctx); err != nil {
		return err
	}
	if err := r.setStatus(ctx, types.DeploymentStatusStarting, "starting deployment tasks"); err != nil {
		return err
	}
	if err := workflow.ExecuteActivity(ctx, a.CreateSwarmService, SwarmServiceInput{
		Hash:  d.Hash,
		Image: r.image,
	}).Get(ctx, nil); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepServiceCreated); err != nil {
		return err
	}

	if err := r.guard(ctx); err != nil {
		return err
	}
	if err := workflow.ExecuteActivity(ctx, a.ExposeDeploymentToHTTP, d.Hash).Get(ctx, nil); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepDeploymentExposed); err != nil {
		return err
	}

	healthy, message, err := r.healthcheckGate(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		r.failureMessage = message
		return errUnhealthy
	}
	if err := r.setStatus(ctx, types.DeploymentStatusHealthy, message); err != nil {
		return err
	}

	// Past the compare-and-set, cancellation no longer applies: either
	// this deployment won production or a newer one did.
	promoteImage := ""
	if r.fromGit {
		promoteImage = r.image
	}
	var promo PromoteResult
	if err := workflow.ExecuteActivity(ctx, a.PromoteDeployment, PromoteInput{
		Hash:  d.Hash,
		Image: promoteImage,
	}).Get(ctx, &promo); err != nil {
		return err
	}
	if !promo.Won {
		r.failureMessage = promo.Reason
		return errSuperseded
	}
	r.promoted = true

	if err := workflow.ExecuteActivity(ctx, a.ExposeServiceToHTTP, d.Hash).Get(ctx, nil); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepServiceExposed); err != nil {
		return err
	}

	if promo.DemotedHash != "" {
		if err := workflow.Sleep(ctx, previousRemovalGrace); err != nil {
			return err
		}
		if err := workflow.ExecuteActivity(ctx, a.CleanupPreviousDeployment, promo.DemotedHash).Get(ctx, nil); err != nil {
			return err
		}
	}
	if r.fromGit {
		if err := workflow.ExecuteActivity(ctx, a.RemoveBuildDirectory, d.Hash).Get(ctx, nil); err != nil {
			workflow.GetLogger(ctx).Warn("failed to remove the build directory", "error", err.Error())
		}
	}

	if err := r.mark(ctx, types.StepFinished); err != nil {
		return err
	}
	return workflow.ExecuteActivity(ctx, a.FinalizeDeployment, FinalizeInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusHealthy,
	}).Get(ctx, nil)
}

func (r *deployRun) buildFromSource(ctx workflow.Context) error {
	d := r.deployment
	srcCtx := workflow.WithActivityOptions(ctx, sourceActivityOptions())

	if err := r.mark(ctx, types.StepCloningRepository); err != nil {
		return err
	}
	var commit git.CommitInfo
	if err := workflow.ExecuteActivity(srcCtx, a.CloneServiceRepository, d.Hash).Get(ctx, &commit); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepRepositoryCloned); err != nil {
		return err
	}

	if err := r.guard(ctx); err != nil {
		return err
	}
	if err := r.setStatus(ctx, types.DeploymentStatusBuilding, "building commit "+shortSHA(commit.SHA)); err != nil {
		return err
	}
	if err := r.mark(ctx, types.StepBuildingImage); err != nil {
		return err
	}
	var built SourceResult
	if err := workflow.ExecuteActivity(srcCtx, a.BuildServiceImage, d.Hash).Get(ctx, &built); err != nil {
		return err
	}
	r.image = built.Image
	return r.mark(ctx, types.StepImageBuilt)
}

func (r *deployRun) pullImage(ctx workflow.Context) error {
	srcCtx := workflow.WithActivityOptions(ctx, sourceActivityOptions())
	var pulled SourceResult
	if err := workflow.ExecuteActivity(srcCtx, a.PullServiceImage, r.deployment.Hash).Get(ctx, &pulled); err != nil {
		return err
	}
	r.image = pulled.Image
	return nil
}

// guard drains the cancel channel and aborts when a cancellation was
// requested. It runs between steps, so a signal arriving mid-activity
// takes effect at the next boundary.
func (r *deployRun) guard(ctx workflow.Context) error {
	for r.cancelCh.ReceiveAsync(nil) {
		r.cancelAsked = true
	}
	if r.cancelAsked {
		return errCancelled
	}
	return nil
}

// mark persists the step marker together with the time spent since the
// previous one.
func (r *deployRun) mark(ctx workflow.Context, step types.DeploymentStep) error {
	now := workflow.Now(ctx)
	in := StepInput{
		Hash:    r.deployment.Hash,
		Step:    step,
		Seconds: now.Sub(r.lastMark).Seconds(),
	}
	r.lastMark = now
	r.lastStep = step
	return workflow.ExecuteActivity(ctx, a.RecordDeploymentStep, in).Get(ctx, nil)
}

func (r *deployRun) setStatus(ctx workflow.Context, status types.DeploymentStatus, reason string) error {
	return workflow.ExecuteActivity(ctx, a.SetDeploymentStatus, StatusInput{
		Hash:   r.deployment.Hash,
		Status: status,
		Reason: reason,
	}).Get(ctx, nil)
}

func (r *deployRun) healthcheckGate(ctx workflow.Context) (bool, string, error) {
	return waitHealthy(ctx, r.deployment.Hash, r.deployment.Snapshot.Healthcheck, r.guard)
}

// waitHealthy probes the deployment until it reports healthy or the
// configured deadline passes. One last round runs at the deadline, so
// a service that needs the whole window is still judged on fresh data.
func waitHealthy(ctx workflow.Context, hash string, check *types.Healthcheck, guard func(workflow.Context) error) (bool, string, error) {
	deadline := workflow.Now(ctx).Add(check.Timeout())
	message := "no healthcheck round completed"

	for {
		if guard != nil {
			if err := guard(ctx); err != nil {
				return false, message, err
			}
		}

		var res health.Result
		if err := workflow.ExecuteActivity(ctx, a.CheckDeploymentHealth, hash).Get(ctx, &res); err != nil {
			return false, message, err
		}
		message = res.Message
		if res.Healthy {
			return true, message, nil
		}
		if !workflow.Now(ctx).Before(deadline) {
			return false, message, nil
		}
		if err := workflow.Sleep(ctx, check.Interval()); err != nil {
			return false, message, err
		}
	}
}

// compensate walks the completed steps backwards. Every removal
// triggers one step early, because the failed step may have partially
// executed before its marker was written; all of the cleanup
// activities tolerate resources that never came up. Failures are
// logged and skipped, a stuck rollback helps nobody.
func (r *deployRun) compensate(ctx workflow.Context) {
	logger := workflow.GetLogger(ctx)
	d := r.deployment
	if r.lastStep == "" {
		return
	}

	prevHash := ""
	if r.previous != nil {
		prevHash = r.previous.Hash
	}

	if r.promoted {
		// Production already moved here; hand it back before touching
		// any routes so the route revert sees the restored owner.
		if err := workflow.ExecuteActivity(ctx, a.DemoteDeployment, DemoteInput{
			Hash:         d.Hash,
			PreviousHash: prevHash,
		}).Get(ctx, nil); err != nil {
			logger.Error("failed to demote the deployment", "error", err.Error())
		}
		if err := workflow.ExecuteActivity(ctx, a.RevertServiceRoutes, RevertInput{
			Hash:         d.Hash,
			PreviousHash: prevHash,
		}).Get(ctx, nil); err != nil {
			logger.Error("failed to revert service routes", "error", err.Error())
		}
	}

	if r.lastStep.Reached(types.StepServiceCreated) {
		if err := workflow.ExecuteActivity(ctx, a.RemoveDeploymentRoutes, d.Hash).Get(ctx, nil); err != nil {
			logger.Error("failed to remove deployment routes", "error", err.Error())
		}
	}
	if r.lastStep.Reached(types.StepPreviousScaledDown) {
		if err := workflow.ExecuteActivity(ctx, a.RemoveDeploymentService, d.Hash).Get(ctx, nil); err != nil {
			logger.Error("failed to remove the runtime service", "error", err.Error())
		}
	}
	if r.lastStep.Reached(types.StepConfigsCreated) && prevHash != "" {
		if err := workflow.ExecuteActivity(ctx, a.RestorePreviousScale, prevHash).Get(ctx, nil); err != nil {
			logger.Error("failed to restore the previous deployment", "error", err.Error())
		}
	}
	if len(r.createdVolumes) > 0 || len(r.createdConfigs) > 0 {
		if err := workflow.ExecuteActivity(ctx, a.RemoveCreatedResources, ResourceCleanupInput{
			Volumes: r.createdVolumes,
			Configs: r.createdConfigs,
		}).Get(ctx, nil); err != nil {
			logger.Error("failed to remove created resources", "error", err.Error())
		}
	}
	if r.fromGit && r.lastStep.Reached(types.StepCloningRepository) {
		if err := workflow.ExecuteActivity(ctx, a.RemoveBuildDirectory, d.Hash).Get(ctx, nil); err != nil {
			logger.Error("failed to remove the build directory", "error", err.Error())
		}
	}
}

// failureReason unwraps the application-level message from an activity
// error so the deployment row does not carry SDK framing.
func failureReason(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// sourceActivityOptions cover clones, builds and pulls, which can
// legitimately run for minutes.
func sourceActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 20 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    2,
		},
	}
}
