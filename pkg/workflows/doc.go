/*
Package workflows runs the durable side of a deployment: everything
that happens after the manager commits a QUEUED row. It owns the
Temporal workflow and activity definitions, the worker that hosts
them, and the Runner the manager uses to start and signal executions.

# Architecture

	 manager ──▶ Runner.StartDeployment ──▶ Temporal server
	                                           │
	                     ┌─────────────────────┘
	                     ▼
	 ┌──────────────── WORKER ───────────────────────────────┐
	 │  DeployImageServiceWorkflow / DeployGitServiceWorkflow │
	 │      step loop ──▶ Activities ──▶ storage / runtime /  │
	 │      │              proxy / cache / events             │
	 │      ├── healthcheck gate (probe, sleep, deadline)     │
	 │      ├── promotion compare-and-set                     │
	 │      └── compensation on failure or cancel             │
	 │  ToggleServiceWorkflow        sleep / wake             │
	 │  ArchiveResourcesWorkflow     teardown cascades        │
	 └────────────────────────────────────────────────────────┘

# Determinism

Workflow functions never touch the store, the runtime, the clock or
the metrics registry directly; all of that happens in activities so
history replay stays deterministic. Step durations are measured with
workflow.Now deltas and recorded by an activity. The only workflow
inputs are the deployment row (frozen snapshot included) and the
payload structs the manager builds.

# Steps and compensation

The deployment workflow persists a progress marker after each step.
On failure or cancellation it walks the markers backwards: service
routes are reverted to the previous production slot, deployment
routes and the new runtime service are removed, the previous
deployment is scaled back up if it still owns production, and any
volumes or configs created by this run are deleted. Resources that
existed before the run (shared volumes, the project network) are
never removed by compensation.

# Cancellation

The manager signals started deployments on the cancel_deployment
channel. The workflow drains the channel between steps and once per
healthcheck round; past the promotion compare-and-set the signal is
ignored because traffic has already moved.
*/
package workflows
