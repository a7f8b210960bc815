/*
Package changes implements the service change log and the snapshot
differ.

Services are never edited in place. Every mutation is staged as a
DeploymentChange row, validated against the project of the current
state plus all pending changes, and folded in only when a deployment is
planned. Deploying is therefore the only way configuration reaches a
container, and every deployment knows exactly which changes it shipped.

# Lifecycle

	       AddChange                ApplyPendingChanges
	user ─────────────▶ pending ──────────────────────▶ applied
	                      │                             (DeploymentID set)
	                      │ CancelChange
	                      ▼
	                   deleted

AddChange validates three layers before anything is written:

 1. the payload against its field schema (ports, paths, domains),
 2. the change against the service kind (SOURCE is image-only,
    GIT_SOURCE and BUILDER are git-only),
 3. the projected service against the structural invariants: unique
    mount paths, unique URLs inside the environment, unique host
    ports, unique env keys and a deployable source.

Collection changes (VOLUMES, CONFIGS, URLS, PORTS, ENV_VARIABLES)
address items by id; ADD values are assigned their id when staged so a
change set replays deterministically. Scalar fields (SOURCE,
GIT_SOURCE, BUILDER, COMMAND, HEALTHCHECK, RESOURCE_LIMITS) only
support UPDATE, with null clearing the optional ones.

# Apply ordering

Changes apply in a fixed order regardless of staging order: collection
deletes, then updates, then adds, then scalars, with source and builder
last. A set that deletes a URL and re-adds its domain elsewhere is
valid no matter how the user staged it.

# Snapshot diff

SnapshotDiff compares two frozen service snapshots and emits the change
set transforming one into the other. Redeploying an old deployment
stages exactly this set, so rollbacks run through the same validation
and apply path as user edits:

	diff := changes.SnapshotDiff(currentSnap, oldSnap)
	// stage diff as pending changes, then plan a deployment

Diffing a snapshot against itself yields nothing, and applying
SnapshotDiff(a, b) to a reproduces b exactly.
*/
package changes
