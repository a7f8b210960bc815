/*
Package types defines the core data structures of the zane deployment
orchestrator.

It contains the whole domain model: projects, environments, services,
the change log, deployments with their frozen snapshots, git app
integrations and preview metadata. All other packages build on these
types for storage, planning, execution and webhook handling.

# Core Types

Topology:
  - Project: owns the shared overlay network and its environments
  - Environment: namespace inside a project ("production" is implicit)
  - PreviewMetadata: pull-request context of a preview environment

Services:
  - Service: user-defined workload (image or git sourced)
  - Volume, Config, URL, Port, EnvVariable: attached resources
  - Healthcheck, ResourceLimits, BuilderConfig: deployment behavior

Change log:
  - DeploymentChange: staged mutation (field, type, old/new value)
  - SourceValue, GitSourceValue: scalar change payloads

Deployments:
  - Deployment: one attempt to run a snapshot on a blue/green slot
  - ServiceSnapshot: frozen service view, single input of the executor
  - DeploymentStep: persisted progress marker driving compensation

# Identity

Entities carry prefixed random ids (srv_..., dpl_...). Runtime resource
names are pure functions of the deployment row:

	network  net-<project.slug>-<project.ts>
	volume   vol-<project.slug>-<volume.name>-<volume.ts>
	config   cf-<project.slug>-<config.name>-<version>
	service  srv-<dk|git>-<project.slug>-<service.slug>-<hash>
	alias    zn-<service.slug>-<unprefixed id>
	slot     <alias>.<blue|green>.zaneops.internal

The slot alias is what the proxy dials; promotion only rewrites that
dial string.

# State Machine

Deployments move through:

	QUEUED → PREPARING → [BUILDING] → STARTING → HEALTHY
	                                     ↓           ↓
	                                 UNHEALTHY    REMOVED (superseded)
	   any active state → CANCELLED / FAILED

HEALTHY deployments later become REMOVED when a newer deployment takes
production, or SLEEPING when the service is put to sleep.

# Thread Safety

Types are plain data. The storage layer serializes writes; in-memory
holders must copy before mutating shared instances.
*/
package types
