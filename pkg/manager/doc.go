/*
Package manager is the control plane's write path. Every mutation of
projects, environments, services and git apps goes through it, and it
is the only package that plans deployments and talks to the workflow
runner.

# Architecture

	                 ┌───────────────── MANAGER ─────────────────┐
	 HTTP / webhook  │                                           │
	 ───────────────▶│  CRUD ─────────── storage.Update(tx)      │
	                 │  RequestChange ── changes.AddChange        │
	                 │  PrepareNewDeployment                      │
	                 │      │ apply changes, freeze snapshot,     │
	                 │      │ pick slot, mint DeploymentURLs      │
	                 │      └── tx.OnCommit ──▶ WorkflowRunner    │
	                 │  Cancel / CleanupQueue ──▶ signal or flip  │
	                 │  Previews ── clone services, gate forks    │
	                 │  Archive ──▶ cleanup workflow payloads     │
	                 └───────────────────────────────────────────┘

Mutations that span several entities run in one storage.Update so they
commit atomically; bbolt's single writer serializes them. External
side effects (starting a workflow, signalling a cancel, publishing an
event) are registered with Tx.OnCommit and therefore never happen for
rolled-back transactions.

# Workflow runner

The manager does not import the workflow engine. It talks to a
WorkflowRunner interface; the temporal-backed implementation lives in
pkg/workflows and is wired in by cmd/zane. Tests substitute a recorder.

# Deployment planning

PrepareNewDeployment runs entirely inside one transaction: it creates
the QUEUED row, folds the pending change log into the service, freezes
the result as the deployment's snapshot, alternates the blue/green
slot against the current production deployment and mints one
DeploymentURL per distinct exposed port. Git HEAD resolution talks to
the remote and is done before the transaction opens; a resolution
failure keeps the literal "HEAD" for the executor to retry.
*/
package manager
