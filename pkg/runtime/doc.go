/*
Package runtime abstracts the container engine behind the Adapter
interface. The production implementation drives a single Docker engine
in swarm mode; tests use the in-memory Fake.

# Architecture

	┌─────────────────── RUNTIME ADAPTER ─────────────────────┐
	│                                                          │
	│  Adapter (interface)                                     │
	│    ├── SwarmAdapter ── Docker engine API                 │
	│    └── Fake ────────── in-memory, for tests              │
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │           Resource Operations              │          │
	│  │  networks: attachable overlays, one per    │          │
	│  │            environment                     │          │
	│  │  volumes:  named local volumes / binds     │          │
	│  │  configs:  immutable swarm config objects  │          │
	│  │  services: one replicated swarm service    │          │
	│  │            per deployment                  │          │
	│  └────────────────────────────────────────────┘          │
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Image Operations                │          │
	│  │  pull (with registry auth), build from a   │          │
	│  │  tarred context, EXPOSE port detection,    │          │
	│  │  removal on archive                        │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Idempotency

Every Ensure method reports whether it created the resource. Deployment
attempts retry, and compensation on failure must remove exactly what
the failed attempt created: a volume shared with the previous
deployment is ensured (created == false) and must survive the rollback.

Remove methods treat missing resources as success. Teardown runs from
persisted step markers and may observe partial state.

# Service shape

Deployments map to replicated swarm services with at most one replica.
Scaling to zero is the engine-level primitive behind both the sleeping
state and stepping the previous deployment aside before its replacement
starts (shared volumes can only be mounted once).

Networks are created as attachable overlays so the proxy container,
which is not a swarm service, can join them and reach the per-slot DNS
aliases.

# Task states

The engine's eleven task states collapse into four: starting, running,
stopped, failed. The healthcheck only distinguishes running from
not-running-yet from failed-for-good.
*/
package runtime
