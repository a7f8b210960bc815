package workflows

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker builds the Temporal worker hosting every workflow and
// activity in this package on the deployment task queue.
func NewWorker(tc client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(tc, taskQueue, worker.Options{})
	w.RegisterWorkflow(DeployImageServiceWorkflow)
	w.RegisterWorkflow(DeployGitServiceWorkflow)
	w.RegisterWorkflow(ToggleServiceWorkflow)
	w.RegisterWorkflow(ArchiveResourcesWorkflow)
	w.RegisterActivity(acts)
	return w
}
