package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// Options wire the reconciler's collaborators.
type Options struct {
	Store storage.Store
	Proxy *proxy.Client
	Cache *cache.Cache

	// Interval between passes; defaults to 30s.
	Interval time.Duration
}

// Reconciler reinstalls proxy routes that drifted from the store. The
// store is the source of truth for routing: a proxy restarted with an
// empty config, or an operator deleting routes by hand, must converge
// back to the routes of every deployment currently holding production
// traffic.
type Reconciler struct {
	store    storage.Store
	proxy    *proxy.Client
	cache    *cache.Cache
	interval time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
}

// New builds a reconciler.
func New(opts Options) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:    opts.Store,
		proxy:    opts.Proxy,
		cache:    opts.Cache,
		interval: interval,
		log:      log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(context.Background()); err != nil {
				r.log.Error().Err(err).Msg("reconciliation pass failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one pass: collect the deployments holding
// production traffic, then make sure each of their routes is still
// installed.
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	var production []*types.Deployment
	err := r.store.View(func(tx *storage.Tx) error {
		services, err := tx.ListServices()
		if err != nil {
			return err
		}
		for _, svc := range services {
			if svc.CurrentDeploymentHash == "" {
				continue
			}
			d, err := tx.GetDeployment(svc.CurrentDeploymentHash)
			if errors.Is(err, zerrors.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			production = append(production, d)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, d := range production {
		if d.Status != types.DeploymentStatusHealthy && d.Status != types.DeploymentStatusSleeping {
			continue
		}

		// A deployment workflow mid-flight owns this service's routes;
		// touching them now would race the swap.
		updating, err := r.cache.IsServiceUpdating(ctx, d.ServiceID)
		if err != nil {
			r.log.Warn().Err(err).Str("service", d.ServiceID).Msg("cannot read the updating flag, skipping service")
			continue
		}
		if updating {
			continue
		}

		r.ensureDeploymentRoutes(ctx, d)
	}
	return nil
}

// ensureDeploymentRoutes reinstalls what the deployment should have: a
// production route per snapshot URL, dialing its slot alias, and the
// ephemeral per-deployment routes dialing the runtime service.
func (r *Reconciler) ensureDeploymentRoutes(ctx context.Context, d *types.Deployment) {
	snap := d.Snapshot
	if snap == nil {
		return
	}

	for _, u := range snap.URLs {
		r.ensure(ctx, proxy.ServiceRoute(snap, u, d.Slot))
	}

	name := snap.RuntimeServiceName(d.Hash)
	for _, du := range d.URLs {
		r.ensure(ctx, proxy.DeploymentRoute(d.Hash, du, name))
	}
}

// ensure reinstalls one missing route. Routes that exist are left
// alone: promotion owns re-pointing, the reconciler only fills holes.
func (r *Reconciler) ensure(ctx context.Context, route proxy.Route) {
	_, ok, err := r.proxy.GetRoute(ctx, route.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("route", route.ID).Msg("route lookup failed")
		return
	}
	if ok {
		return
	}
	if err := r.proxy.EnsureRoute(ctx, route); err != nil {
		r.log.Error().Err(err).Str("route", route.ID).Msg("failed to reinstall route")
		return
	}
	metrics.RoutesReconciled.Inc()
	r.log.Info().Str("route", route.ID).Msg("reinstalled missing route")
}
