/*
Package cache wraps Redis for short-lived, reconstructible state.

Three families of keys live here, each with its own TTL:

  - gitapp:github:token:<app_id>  (59m)  installation access tokens
  - gitapp:gitlab:token:<app_id>  (1h59m) refreshed access tokens
  - service:ports:<service_id>    (24h)  ports detected from built images
  - service:updating:<service_id> (1h)   in-progress deployment flags

Token TTLs sit a minute under the providers' server-side expiry so a
cache hit always yields a usable token. Nothing in this package is a
source of truth; a cold cache only costs extra provider round trips and
a temporarily quieter reconciler.
*/
package cache
