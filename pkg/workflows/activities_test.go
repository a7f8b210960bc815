package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

func TestAcquireDeploymentStartsTheRow(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	prev := f.queueDeployment(t, svc, types.SlotBlue)
	f.makeProduction(t, svc, prev)
	next := f.queueDeployment(t, svc, types.SlotGreen)

	res, err := f.acts.AcquireDeployment(ctx, next.Hash)
	require.NoError(t, err)
	assert.True(t, res.Proceed)
	require.NotNil(t, res.Previous)
	assert.Equal(t, prev.Hash, res.Previous.Hash)

	row := f.deployment(t, next.Hash)
	assert.Equal(t, types.DeploymentStatusPreparing, row.Status)
	assert.Equal(t, "deployment picked up by the executor", row.StatusReason)
	require.NotNil(t, row.StartedAt)

	updating, err := f.cache.IsServiceUpdating(ctx, svc.ID)
	require.NoError(t, err)
	assert.True(t, updating)
}

func TestAcquireDeploymentRefusesDeadRows(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	cancelled := f.queueDeployment(t, svc, types.SlotBlue)
	require.NoError(t, f.store.Update(func(tx *storage.Tx) error {
		row, err := tx.GetDeployment(cancelled.Hash)
		if err != nil {
			return err
		}
		row.CancelRequested = true
		return tx.UpdateDeployment(row)
	}))

	res, err := f.acts.AcquireDeployment(ctx, cancelled.Hash)
	require.NoError(t, err)
	assert.False(t, res.Proceed)
	assert.Nil(t, f.deployment(t, cancelled.Hash).StartedAt)

	finished := f.queueDeployment(t, svc, types.SlotBlue)
	now := time.Now().UTC()
	require.NoError(t, f.store.Update(func(tx *storage.Tx) error {
		row, err := tx.GetDeployment(finished.Hash)
		if err != nil {
			return err
		}
		row.Status = types.DeploymentStatusFailed
		row.FinishedAt = &now
		return tx.UpdateDeployment(row)
	}))

	res, err = f.acts.AcquireDeployment(ctx, finished.Hash)
	require.NoError(t, err)
	assert.False(t, res.Proceed)
	assert.Equal(t, types.DeploymentStatusFailed, res.Deployment.Status)
}

func TestRecordDeploymentStepNeverRewinds(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	d := f.queueDeployment(t, svc, types.SlotBlue)
	ctx := context.Background()

	step := func(s types.DeploymentStep) {
		require.NoError(t, f.acts.RecordDeploymentStep(ctx, StepInput{Hash: d.Hash, Step: s}))
	}

	step(types.StepInitialized)
	assert.Equal(t, types.StepInitialized, f.deployment(t, d.Hash).LastCompletedStep)

	step(types.StepServiceCreated)
	assert.Equal(t, types.StepServiceCreated, f.deployment(t, d.Hash).LastCompletedStep)

	// a retried activity re-delivering an earlier step must not move
	// the marker backwards
	step(types.StepVolumesCreated)
	assert.Equal(t, types.StepServiceCreated, f.deployment(t, d.Hash).LastCompletedStep)

	step(types.StepFinished)
	assert.Equal(t, types.StepFinished, f.deployment(t, d.Hash).LastCompletedStep)
}

func TestSetDeploymentStatusKeepsReasonOnRepeat(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	d := f.queueDeployment(t, svc, types.SlotBlue)
	ctx := context.Background()

	require.NoError(t, f.acts.SetDeploymentStatus(ctx, StatusInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusStarting,
		Reason: "starting deployment tasks",
	}))
	require.NoError(t, f.acts.SetDeploymentStatus(ctx, StatusInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusStarting,
	}))

	row := f.deployment(t, d.Hash)
	assert.Equal(t, types.DeploymentStatusStarting, row.Status)
	assert.Equal(t, "starting deployment tasks", row.StatusReason)

	require.NoError(t, f.acts.SetDeploymentStatus(ctx, StatusInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusHealthy,
		Reason: "task running",
	}))
	row = f.deployment(t, d.Hash)
	assert.Equal(t, types.DeploymentStatusHealthy, row.Status)
	assert.Equal(t, "task running", row.StatusReason)
}

func TestPromoteDeploymentPrefersNewerIncumbent(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	older := f.queueDeployment(t, svc, types.SlotBlue)
	incumbent := f.queueDeployment(t, svc, types.SlotGreen)
	f.makeProduction(t, svc, incumbent)

	res, err := f.acts.PromoteDeployment(ctx, PromoteInput{Hash: older.Hash})
	require.NoError(t, err)
	assert.False(t, res.Won)
	assert.Contains(t, res.Reason, incumbent.Hash)
	assert.Equal(t, incumbent.Hash, f.service(t, svc.ID).CurrentDeploymentHash)
	assert.False(t, f.deployment(t, older.Hash).IsCurrentProduction)

	newer := f.queueDeployment(t, svc, types.SlotBlue)
	res, err = f.acts.PromoteDeployment(ctx, PromoteInput{Hash: newer.Hash})
	require.NoError(t, err)
	assert.True(t, res.Won)
	assert.Equal(t, incumbent.Hash, res.DemotedHash)
	assert.Equal(t, newer.Hash, f.service(t, svc.ID).CurrentDeploymentHash)
	assert.True(t, f.deployment(t, newer.Hash).IsCurrentProduction)
	assert.False(t, f.deployment(t, incumbent.Hash).IsCurrentProduction)
}

func TestPromoteDeploymentRecordsBuiltImage(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, func(s *types.Service) {
		s.Kind = types.ServiceKindGit
		s.Image = ""
		s.Repository = &types.GitRepository{URL: "https://example.com/acme/api.git", Branch: "main"}
		s.Builder = &types.BuilderConfig{Kind: types.BuilderDockerfile}
	})
	d := f.queueDeployment(t, svc, types.SlotBlue)

	image := d.Snapshot.BuiltImageName(d.Hash)
	res, err := f.acts.PromoteDeployment(context.Background(), PromoteInput{Hash: d.Hash, Image: image})
	require.NoError(t, err)
	assert.True(t, res.Won)
	assert.Empty(t, res.DemotedHash)
	assert.Equal(t, image, f.service(t, svc.ID).Image)
}

func TestDemoteDeploymentHandsProductionBack(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	prev := f.queueDeployment(t, svc, types.SlotBlue)
	f.makeProduction(t, svc, prev)
	next := f.queueDeployment(t, svc, types.SlotGreen)

	res, err := f.acts.PromoteDeployment(ctx, PromoteInput{Hash: next.Hash})
	require.NoError(t, err)
	require.True(t, res.Won)

	require.NoError(t, f.acts.DemoteDeployment(ctx, DemoteInput{Hash: next.Hash, PreviousHash: prev.Hash}))
	assert.Equal(t, prev.Hash, f.service(t, svc.ID).CurrentDeploymentHash)
	assert.True(t, f.deployment(t, prev.Hash).IsCurrentProduction)
	assert.False(t, f.deployment(t, next.Hash).IsCurrentProduction)

	// once production has moved on, a stale demote must not steal it
	third := f.queueDeployment(t, svc, types.SlotGreen)
	res, err = f.acts.PromoteDeployment(ctx, PromoteInput{Hash: third.Hash})
	require.NoError(t, err)
	require.True(t, res.Won)

	require.NoError(t, f.acts.DemoteDeployment(ctx, DemoteInput{Hash: next.Hash, PreviousHash: prev.Hash}))
	assert.Equal(t, third.Hash, f.service(t, svc.ID).CurrentDeploymentHash)
	assert.True(t, f.deployment(t, third.Hash).IsCurrentProduction)
}

func TestFinalizeDeploymentOnlyOnce(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	d := f.queueDeployment(t, svc, types.SlotBlue)
	ctx := context.Background()

	require.NoError(t, f.acts.FinalizeDeployment(ctx, FinalizeInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusHealthy,
		Reason: "task running",
	}))
	row := f.deployment(t, d.Hash)
	assert.Equal(t, types.DeploymentStatusHealthy, row.Status)
	require.NotNil(t, row.FinishedAt)
	finishedAt := *row.FinishedAt

	// the queued-cancel race: a second finalize must not overwrite the
	// terminal state
	require.NoError(t, f.acts.FinalizeDeployment(ctx, FinalizeInput{
		Hash:   d.Hash,
		Status: types.DeploymentStatusFailed,
		Reason: "boom",
	}))
	row = f.deployment(t, d.Hash)
	assert.Equal(t, types.DeploymentStatusHealthy, row.Status)
	assert.Equal(t, "task running", row.StatusReason)
	assert.Equal(t, finishedAt, *row.FinishedAt)
}

func TestCleanupPreviousDeploymentConverges(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	prev := f.queueDeployment(t, svc, types.SlotBlue)
	f.makeProduction(t, svc, prev)

	require.NoError(t, f.acts.CleanupPreviousDeployment(ctx, prev.Hash))

	row := f.deployment(t, prev.Hash)
	assert.Equal(t, types.DeploymentStatusRemoved, row.Status)
	assert.Equal(t, "replaced by a newer deployment", row.StatusReason)
	assert.Nil(t, f.rt.Service(prev.Snapshot.RuntimeServiceName(prev.Hash)))
	assert.False(t, f.admin.has(proxy.DeploymentRouteID(prev.Hash, 8080)))

	// retries and already-deleted rows both converge
	require.NoError(t, f.acts.CleanupPreviousDeployment(ctx, prev.Hash))
	require.NoError(t, f.acts.CleanupPreviousDeployment(ctx, "zzzzzzzzzzz"))
}

func TestRevertServiceRoutesRestoresPreviousSlot(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	prev := f.queueDeployment(t, svc, types.SlotBlue)
	f.makeProduction(t, svc, prev)

	// the next snapshot carries one extra URL the previous production
	// never served
	added := &types.URL{
		ID:             types.NewID(types.PrefixURL),
		Domain:         "admin.acme.dev",
		BasePath:       "/",
		AssociatedPort: 8080,
	}
	svc.URLs = append(svc.URLs, added)
	require.NoError(t, f.store.UpdateService(svc))
	next := f.queueDeployment(t, svc, types.SlotGreen)

	// simulate a completed swap: both routes dial the green slot
	for _, u := range next.Snapshot.URLs {
		require.NoError(t, f.acts.proxy.EnsureRoute(ctx, proxy.ServiceRoute(next.Snapshot, u, next.Slot)))
	}

	require.NoError(t, f.acts.RevertServiceRoutes(ctx, RevertInput{
		Hash:         next.Hash,
		PreviousHash: prev.Hash,
	}))

	sharedID := proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)
	assert.Equal(t, prev.Snapshot.SlotAlias(types.SlotBlue)+":8080", f.admin.dial(sharedID),
		"shared URLs swap back to the previous slot")
	assert.False(t, f.admin.has(proxy.ServiceRouteID(svc.ID, added.ID)),
		"URLs new in the failed deployment are removed")
}

func TestRevertServiceRoutesLeavesNewerOwnerAlone(t *testing.T) {
	f := newFixture(t)
	svc := f.seedService(t, nil)
	ctx := context.Background()

	prev := f.queueDeployment(t, svc, types.SlotBlue)
	f.makeProduction(t, svc, prev)
	failed := f.queueDeployment(t, svc, types.SlotGreen)

	// a third deployment won production while the failed one was
	// compensating
	winner := f.queueDeployment(t, svc, types.SlotGreen)
	f.makeProduction(t, svc, winner)

	routeID := proxy.ServiceRouteID(svc.ID, svc.URLs[0].ID)
	before := f.admin.dial(routeID)
	require.NotEmpty(t, before)

	require.NoError(t, f.acts.RevertServiceRoutes(ctx, RevertInput{
		Hash:         failed.Hash,
		PreviousHash: prev.Hash,
	}))
	assert.Equal(t, before, f.admin.dial(routeID), "routes owned by a newer deployment stay untouched")
}
