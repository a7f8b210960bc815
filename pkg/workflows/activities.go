package workflows

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/gitapp"
	"github.com/zane-ops/zane/pkg/health"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/runtime"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// Activities hosts every activity the workflows execute. One instance
// is registered per worker; workflow code references the methods
// through a nil receiver, which the SDK resolves by name.
type Activities struct {
	store   storage.Store
	runtime runtime.Adapter
	proxy   *proxy.Client
	prober  *health.Prober
	cache   *cache.Cache
	gitapps *gitapp.Service
	broker  *events.Broker
	cfg     *config.Config
	log     zerolog.Logger
}

// Options wires the worker-side dependencies of the activities.
type Options struct {
	Store   storage.Store
	Runtime runtime.Adapter
	Proxy   *proxy.Client
	Prober  *health.Prober
	Cache   *cache.Cache
	GitApps *gitapp.Service
	Broker  *events.Broker
	Config  *config.Config
}

// NewActivities builds the activity set.
func NewActivities(opts Options) *Activities {
	return &Activities{
		store:   opts.Store,
		runtime: opts.Runtime,
		proxy:   opts.Proxy,
		prober:  opts.Prober,
		cache:   opts.Cache,
		gitapps: opts.GitApps,
		broker:  opts.Broker,
		cfg:     opts.Config,
		log:     log.WithComponent("workflows"),
	}
}

// a references activity methods by name inside workflow code. It is
// never dereferenced; the worker registers a live instance.
var a *Activities

// AcquireResult is the executor's view of the deployment at pickup.
type AcquireResult struct {
	Deployment *types.Deployment
	// Previous is the service's current production deployment when the
	// workflow started, nil for first deployments.
	Previous *types.Deployment
	// Proceed is false when the deployment finished or was cancelled
	// before the workflow ran its first task.
	Proceed bool
}

// AcquireDeployment transitions the row to PREPARING, stamps StartedAt
// and loads the previous production deployment. A row that was
// cancelled while still queued is handed back with Proceed false so
// the workflow can finalize it instead of deploying.
func (a *Activities) AcquireDeployment(ctx context.Context, hash string) (*AcquireResult, error) {
	res := &AcquireResult{}
	err := a.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(hash)
		if err != nil {
			return err
		}
		res.Deployment = d

		if d.FinishedAt != nil || !d.Status.Active() || d.CancelRequested {
			return nil
		}

		svc, err := tx.GetService(d.ServiceID)
		if err != nil {
			return err
		}
		if svc.CurrentDeploymentHash != "" && svc.CurrentDeploymentHash != d.Hash {
			prev, err := tx.GetDeployment(svc.CurrentDeploymentHash)
			if err != nil {
				return err
			}
			res.Previous = prev
		}

		now := time.Now().UTC()
		old := d.Status
		d.Status = types.DeploymentStatusPreparing
		d.StatusReason = "deployment picked up by the executor"
		d.StartedAt = &now
		if err := tx.UpdateDeployment(d); err != nil {
			return err
		}
		res.Proceed = true

		tx.OnCommit(func() {
			if old != d.Status {
				metrics.DeploymentsTotal.WithLabelValues(string(old)).Dec()
				metrics.DeploymentsTotal.WithLabelValues(string(d.Status)).Inc()
			}
			a.broker.PublishDeploymentStatus(d, d.StatusReason)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Proceed {
		if err := a.cache.MarkServiceUpdating(ctx, res.Deployment.ServiceID); err != nil {
			a.log.Warn().Err(err).Str("service", res.Deployment.ServiceID).
				Msg("failed to flag service as updating")
		}
	}
	return res, nil
}

// GetDeployment loads one deployment row.
func (a *Activities) GetDeployment(ctx context.Context, hash string) (*types.Deployment, error) {
	return a.store.GetDeployment(hash)
}

// StatusInput names a status transition.
type StatusInput struct {
	Hash   string
	Status types.DeploymentStatus
	Reason string
}

// SetDeploymentStatus moves the row to a new status and publishes the
// change. Re-setting the current status is a no-op so activity retries
// do not double-count.
func (a *Activities) SetDeploymentStatus(ctx context.Context, in StatusInput) error {
	return a.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(in.Hash)
		if err != nil {
			return err
		}
		if d.Status == in.Status && (in.Reason == "" || d.StatusReason == in.Reason) {
			return nil
		}
		old := d.Status
		d.Status = in.Status
		if in.Reason != "" {
			d.StatusReason = in.Reason
		}
		if err := tx.UpdateDeployment(d); err != nil {
			return err
		}
		tx.OnCommit(func() {
			if old != d.Status {
				metrics.DeploymentsTotal.WithLabelValues(string(old)).Dec()
				metrics.DeploymentsTotal.WithLabelValues(string(d.Status)).Inc()
			}
			a.broker.PublishDeploymentStatus(d, d.StatusReason)
		})
		return nil
	})
}

// StepInput records a completed executor step.
type StepInput struct {
	Hash    string
	Step    types.DeploymentStep
	Seconds float64
}

// RecordDeploymentStep persists the progress marker. The marker only
// moves forward, so a retried activity cannot rewind it.
func (a *Activities) RecordDeploymentStep(ctx context.Context, in StepInput) error {
	err := a.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(in.Hash)
		if err != nil {
			return err
		}
		if d.LastCompletedStep != "" && d.LastCompletedStep.Reached(in.Step) {
			return nil
		}
		d.LastCompletedStep = in.Step
		return tx.UpdateDeployment(d)
	})
	if err != nil {
		return err
	}
	if in.Seconds > 0 {
		metrics.DeploymentStepDuration.WithLabelValues(string(in.Step)).Observe(in.Seconds)
	}
	return nil
}

// PromoteInput carries the promotion payload. Image is the built
// reference for git services, recorded on the service row so later
// redeploys of the snapshot reuse it.
type PromoteInput struct {
	Hash  string
	Image string
}

// PromoteResult reports the outcome of the compare-and-set.
type PromoteResult struct {
	Won bool
	// DemotedHash is the previous production deployment, empty when
	// promotion lost or no previous production existed.
	DemotedHash string
	Reason      string
}

// PromoteDeployment is the promotion compare-and-set. Inside one write
// transaction it compares queue times against whatever currently holds
// production: if the incumbent is newer this deployment loses and
// nothing changes; otherwise the incumbent is demoted and
// CurrentDeploymentHash is swapped. bbolt's single writer makes two
// concurrent promotions of the same service impossible.
func (a *Activities) PromoteDeployment(ctx context.Context, in PromoteInput) (*PromoteResult, error) {
	res := &PromoteResult{}
	err := a.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(in.Hash)
		if err != nil {
			return err
		}
		svc, err := tx.GetService(d.ServiceID)
		if err != nil {
			return err
		}

		if svc.CurrentDeploymentHash != "" && svc.CurrentDeploymentHash != d.Hash {
			current, err := tx.GetDeployment(svc.CurrentDeploymentHash)
			if err != nil {
				return err
			}
			if current.QueuedAt.After(d.QueuedAt) {
				res.Reason = fmt.Sprintf("superseded by a newer deployment (%s)", current.Hash)
				return nil
			}
			current.IsCurrentProduction = false
			if err := tx.UpdateDeployment(current); err != nil {
				return err
			}
			res.DemotedHash = current.Hash
		}

		svc.CurrentDeploymentHash = d.Hash
		if svc.Kind == types.ServiceKindGit && in.Image != "" {
			svc.Image = in.Image
		}
		svc.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateService(svc); err != nil {
			return err
		}

		d.IsCurrentProduction = true
		if err := tx.UpdateDeployment(d); err != nil {
			return err
		}
		res.Won = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	dlog := log.WithDeployment(a.log, in.Hash)
	if res.Won {
		dlog.Info().Str("demoted", res.DemotedHash).Msg("deployment promoted to production")
	} else {
		dlog.Info().Msg(res.Reason)
	}
	return res, nil
}

// DemoteInput reverses a promotion during compensation.
type DemoteInput struct {
	Hash         string
	PreviousHash string
}

// DemoteDeployment undoes a promotion whose follow-up proxy work
// failed: a deployment that cannot be routed cannot keep production.
// Ownership moves back to the previous deployment, but only while this
// deployment still holds it; a newer concurrent winner is left alone.
func (a *Activities) DemoteDeployment(ctx context.Context, in DemoteInput) error {
	return a.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(in.Hash)
		if err != nil {
			return err
		}
		svc, err := tx.GetService(d.ServiceID)
		if err != nil {
			return err
		}
		if svc.CurrentDeploymentHash != d.Hash {
			return nil
		}

		d.IsCurrentProduction = false
		if err := tx.UpdateDeployment(d); err != nil {
			return err
		}

		svc.CurrentDeploymentHash = ""
		if in.PreviousHash != "" {
			prev, err := tx.GetDeployment(in.PreviousHash)
			if err == nil {
				prev.IsCurrentProduction = true
				if err := tx.UpdateDeployment(prev); err != nil {
					return err
				}
				svc.CurrentDeploymentHash = prev.Hash
			}
		}
		svc.UpdatedAt = time.Now().UTC()
		return tx.UpdateService(svc)
	})
}

// FinalizeInput closes a deployment out.
type FinalizeInput struct {
	Hash   string
	Status types.DeploymentStatus
	Reason string
}

// FinalizeDeployment stamps FinishedAt, sets the terminal status and
// emits the finish metrics and event. A row that already finished is
// left alone, which settles the race between a queued-cancel flip and
// a workflow that started anyway.
func (a *Activities) FinalizeDeployment(ctx context.Context, in FinalizeInput) error {
	var serviceID string
	err := a.store.Update(func(tx *storage.Tx) error {
		d, err := tx.GetDeployment(in.Hash)
		if err != nil {
			return err
		}
		serviceID = d.ServiceID
		if d.FinishedAt != nil {
			return nil
		}

		old := d.Status
		if in.Status != "" {
			d.Status = in.Status
		}
		if in.Reason != "" {
			d.StatusReason = in.Reason
		}
		if d.Status == types.DeploymentStatusCancelled {
			d.CancelRequested = true
			if d.StatusReason == "" {
				d.StatusReason = "deployment cancelled"
			}
		}
		now := time.Now().UTC()
		d.FinishedAt = &now
		if err := tx.UpdateDeployment(d); err != nil {
			return err
		}

		tx.OnCommit(func() {
			if old != d.Status {
				metrics.DeploymentsTotal.WithLabelValues(string(old)).Dec()
				metrics.DeploymentsTotal.WithLabelValues(string(d.Status)).Inc()
			}
			metrics.DeploymentsFinished.WithLabelValues(string(d.Status), string(d.Trigger)).Inc()
			metrics.DeploymentDuration.Observe(d.FinishedAt.Sub(d.QueuedAt).Seconds())

			evType := types.EventDeploymentFinished
			if d.Status == types.DeploymentStatusCancelled {
				evType = types.EventDeploymentCancelled
			}
			a.broker.Publish(&types.Event{
				Type:           evType,
				ProjectID:      d.Snapshot.ProjectID,
				EnvironmentID:  d.Snapshot.EnvironmentID,
				ServiceID:      d.ServiceID,
				DeploymentHash: d.Hash,
				Message:        d.StatusReason,
				Data:           map[string]string{"status": string(d.Status)},
			})
		})
		return nil
	})
	if err != nil {
		return err
	}

	if serviceID != "" {
		if err := a.cache.ClearServiceUpdating(ctx, serviceID); err != nil {
			a.log.Warn().Err(err).Str("service", serviceID).
				Msg("failed to clear the updating flag")
		}
	}
	return nil
}

// loadDeployment fetches a row and insists on the frozen snapshot,
// which every runtime-facing activity derives its resource names from.
func (a *Activities) loadDeployment(hash string) (*types.Deployment, error) {
	d, err := a.store.GetDeployment(hash)
	if err != nil {
		return nil, err
	}
	if d.Snapshot == nil {
		return nil, fmt.Errorf("deployment %s has no snapshot", hash)
	}
	return d, nil
}

func (a *Activities) checkoutDir(hash string) string {
	return filepath.Join(a.cfg.Build.Dir, hash)
}

// deploymentLabels tag every runtime resource a deployment creates so
// drift and leftovers stay attributable.
func deploymentLabels(d *types.Deployment) map[string]string {
	return map[string]string{
		runtime.LabelManaged:    "true",
		runtime.LabelProject:    d.Snapshot.ProjectID,
		runtime.LabelEnv:        d.Snapshot.EnvironmentID,
		runtime.LabelService:    d.ServiceID,
		runtime.LabelDeployment: d.Hash,
	}
}

// deploymentEnv injects the zane variables ahead of the user-defined
// ones, so user values win on key collisions.
func deploymentEnv(d *types.Deployment) []string {
	snap := d.Snapshot
	env := []string{
		"ZANE=1",
		"ZANE_ENVIRONMENT=" + snap.EnvironmentName,
		"ZANE_SERVICE_NAME=" + snap.Slug,
		"ZANE_DEPLOYMENT_SLOT=" + strings.ToLower(string(d.Slot)),
		"ZANE_DEPLOYMENT_HASH=" + d.Hash,
	}
	for _, v := range snap.EnvVariables {
		env = append(env, v.Key+"="+v.Value)
	}
	return env
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
