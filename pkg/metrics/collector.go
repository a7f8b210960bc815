package metrics

import (
	"time"

	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// sampleInterval is how often entity gauges are refreshed from the
// store. Counters are updated at their call sites; only the gauges
// need periodic resampling.
const sampleInterval = 15 * time.Second

// Collector periodically samples entity counts from the store and
// publishes them as gauges. All counts come from a single read
// transaction so the gauges describe one consistent snapshot.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector builds a collector over the given store. Call Start to
// begin sampling.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start samples once immediately, then on every tick until Stop.
func (c *Collector) Start() {
	go func() {
		c.collect()

		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	_ = c.store.View(func(tx *storage.Tx) error {
		if projects, err := tx.ListProjects(); err == nil {
			ProjectsTotal.Set(float64(len(projects)))
			c.sampleEnvironments(tx, projects)
		}
		c.sampleServices(tx)
		c.sampleDeployments(tx)
		return nil
	})
}

func (c *Collector) sampleEnvironments(tx *storage.Tx, projects []*types.Project) {
	counts := make(map[string]int)
	for _, project := range projects {
		envs, err := tx.ListEnvironmentsByProject(project.ID)
		if err != nil {
			continue
		}
		for _, env := range envs {
			switch {
			case env.Name == types.ProductionEnv:
				counts["production"]++
			case env.IsPreview:
				counts["preview"]++
			default:
				counts["standard"]++
			}
		}
	}
	for envType, n := range counts {
		EnvironmentsTotal.WithLabelValues(envType).Set(float64(n))
	}
}

func (c *Collector) sampleServices(tx *storage.Tx) {
	services, err := tx.ListServices()
	if err != nil {
		return
	}

	counts := make(map[types.ServiceKind]int)
	for _, service := range services {
		counts[service.Kind]++
	}
	for kind, n := range counts {
		ServicesTotal.WithLabelValues(string(kind)).Set(float64(n))
	}
}

func (c *Collector) sampleDeployments(tx *storage.Tx) {
	deployments, err := tx.ListDeployments()
	if err != nil {
		return
	}

	counts := make(map[types.DeploymentStatus]int)
	for _, deployment := range deployments {
		counts[deployment.Status]++
	}
	for status, n := range counts {
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
