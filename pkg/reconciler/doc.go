/*
Package reconciler converges the proxy's route table back to the store.

The store is the source of truth for routing. The proxy can lose
routes anyway: a restart with a stale base config, an operator
deleting records through the admin API, a crashed workflow that
installed half its routes. The reconciler closes that gap with a
level-triggered loop: every pass reads the deployments currently
holding production traffic and reinstalls whichever of their routes
are missing.

Per production deployment (status HEALTHY or SLEEPING) the expected
routes are:

	zane:service:<serviceID>:<urlID>  one per snapshot URL, dialing
	                                  the deployment's slot alias
	zane:deployment:<hash>:<port>     one per ephemeral domain,
	                                  dialing the runtime service

Routes that exist are never touched, whatever they dial: re-pointing
belongs to promotion and rollback. Services flagged as updating in the
cache are skipped entirely, since their workflow owns the routes while
it runs.

Missed passes are harmless; the next one converges. Reinstalls are
counted by the zane_proxy_routes_reconciled_total metric.
*/
package reconciler
