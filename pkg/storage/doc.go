/*
Package storage persists the control plane state in bbolt.

One bucket per entity, JSON values, ids as keys. Deployments are keyed
by their hash since that is the handle used by URLs, runtime resource
names and workflow ids.

# Architecture

	┌──────────────────────── STORE ─────────────────────────┐
	│                                                         │
	│  BoltStore ── one-shot CRUD (own transaction each)      │
	│      │                                                  │
	│      ├── View(fn)    read-only snapshot                 │
	│      └── Update(fn)  atomic multi-entity writes         │
	│              │                                          │
	│              └── Tx: typed accessors + OnCommit hooks   │
	│                                                         │
	│  buckets: projects, environments, services, changes,    │
	│           deployments, git_apps, preview_templates      │
	└─────────────────────────────────────────────────────────┘

bbolt allows one writer at a time, which is what serializes the
promotion compare-and-set and change-log application without any
additional locking.

# Transactions and hooks

Operations that touch several entities run inside Update so they commit
atomically: applying pending changes, planning a deployment, promoting
to production. Side effects that must never fire for rolled-back work
(starting a workflow, signalling a cancel) are registered via
Tx.OnCommit and run after the commit lands:

	err := store.Update(func(tx *storage.Tx) error {
		if err := tx.CreateDeployment(dep); err != nil {
			return err
		}
		tx.OnCommit(func() { startWorkflow(dep) })
		return nil
	})

# Lookups

Secondary lookups (slug, deploy token, PR number) are full-bucket
scans. At the scale of one instance the buckets stay small enough that
scans beat maintaining index buckets.

Missing entities return errors wrapping zerrors.ErrNotFound.
*/
package storage
