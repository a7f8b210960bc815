/*
Package proxy is the control-plane client for the edge proxy's admin
API. The proxy itself is an off-the-shelf server (Caddy) bootstrapped
with a static base config; this package only manages the route table.

# Route kinds

Two kinds of routes exist, told apart by their @id:

	zane:deployment:<hash>:<port>   ephemeral, one per deployment URL,
	                                dials the runtime service directly
	zane:service:<serviceID>:<urlID>  production, one per service URL,
	                                dials the slot alias

Deployment routes make every deployment reachable on its own domain
regardless of promotion state. Service routes carry production traffic
and only ever change which slot alias they dial.

# Promotion

SwapUpstream is the promotion primitive. It fetches the existing route,
rewrites every reverse proxy dial to the new slot's alias and PATCHes
the record back, preserving matchers, rewrites and redirects. The swap
is a single config replace, so traffic moves atomically per route.

# Idempotency

EnsureRoute replaces by id when the route exists and prepends to the
route table when it does not, so re-running an expose step converges.
DeleteRoute treats 404 as success for the same reason.
*/
package proxy
