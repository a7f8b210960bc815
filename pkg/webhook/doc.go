// Package webhook is the control plane's HTTP ingress: provider
// webhooks, token-addressed deploys and the fork-approval endpoint
// for preview environments.
//
//	POST /webhook/github                    X-GitHub-Event + X-Hub-Signature-256
//	POST /webhook/gitlab                    X-Gitlab-Event + X-Gitlab-Token
//	PUT  /webhook/deploy/{token}            anonymous deploy via service token
//	POST /environments/{id}/review-deploy   ACCEPT or DECLINE a fork preview
//	GET  /events                            NDJSON lifecycle event stream
//	GET  /healthz
//	GET  /metrics
//
// Provider deliveries are authenticated against the stored git apps:
// GitHub by recomputing the HMAC-SHA256 body signature per app,
// GitLab by constant-time comparison of the shared token. The app
// that verifies the delivery also scopes dispatch, so two apps
// watching the same repository never trigger each other's services.
//
// Push deliveries deploy every service bound to the pushed repository
// and branch with auto-deploy enabled, after the watch-paths filter.
// Pull request deliveries drive the preview environment lifecycle.
// Pushes to a branch that is the head of an open pull request are
// ignored; the pull request synchronize event is authoritative there.
package webhook
