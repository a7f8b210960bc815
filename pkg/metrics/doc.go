/*
Package metrics provides Prometheus metrics collection and exposition.

All metrics use the Prometheus client library and the global default
registry, exposed at /metrics on the API server. The package also hosts
the component health registry backing the /health, /ready and /live
endpoints.

# Architecture

	┌───────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────┐             │
	│  │        Prometheus Registry               │             │
	│  │  - Global DefaultRegistry                │             │
	│  │  - MustRegister at package init          │             │
	│  │  - Automatic Go runtime metrics          │             │
	│  └──────────────────┬──────────────────────┘             │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────┐             │
	│  │        Metric Categories                 │             │
	│  │                                          │             │
	│  │  Entities: projects, services, envs      │             │
	│  │  Deployments: counts, durations, steps    │            │
	│  │  HTTP: request count, latency             │            │
	│  │  Webhooks: deliveries by outcome          │            │
	│  │  Proxy: admin API calls, reconciliation   │            │
	│  └──────────────────┬──────────────────────┘             │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────┐             │
	│  │        HTTP Metrics Endpoint             │             │
	│  │  - Path: /metrics                        │             │
	│  │  - Handler: promhttp.Handler()           │             │
	│  └─────────────────────────────────────────┘             │
	└───────────────────────────────────────────────────────────┘

# Metrics Catalog

Entity gauges, sampled by the Collector every 15 seconds from a single
read transaction:

zane_projects_total:
  - Type: Gauge
  - Description: Total number of projects

zane_environments_total{type}:
  - Type: Gauge
  - Labels: type (production, preview, standard)

zane_services_total{kind}:
  - Type: Gauge
  - Labels: kind (image, git)

zane_deployments_total{status}:
  - Type: Gauge
  - Labels: status (QUEUED, BUILDING, HEALTHY, FAILED, ...)

Deployment lifecycle, updated by workflow activities:

zane_deployments_finished_total{status, trigger}:
  - Type: Counter
  - Description: Deployments that reached a terminal status
  - Labels: status, trigger (MANUAL, API, AUTO)

zane_deployment_duration_seconds:
  - Type: Histogram
  - Description: Queueing to terminal status
  - Buckets: 5s to 1h

zane_deployment_step_duration_seconds{step}:
  - Type: Histogram
  - Labels: step (BUILDING_IMAGE, SWARM_SERVICE_CREATED, ...)

zane_workflows_started_total{workflow}:
  - Type: Counter

zane_healthcheck_probes_total{result}:
  - Type: Counter
  - Labels: result (passing, failing)

HTTP and webhook metrics, updated by server middleware:

zane_http_requests_total{method, status}:
  - Type: Counter

zane_http_request_duration_seconds{method}:
  - Type: Histogram

zane_webhook_deliveries_total{provider, result}:
  - Type: Counter
  - Labels: provider (github, gitlab), result (deployed, ignored, invalid)

Proxy control-plane metrics:

zane_proxy_requests_total{method, status}:
  - Type: Counter
  - Description: Requests issued against the proxy admin API

zane_proxy_request_duration_seconds:
  - Type: Histogram

zane_proxy_routes_reconciled_total:
  - Type: Counter
  - Description: Routes reinstalled by the drift reconciler

# Usage

Updating metrics:

	metrics.DeploymentsFinished.WithLabelValues("HEALTHY", "MANUAL").Inc()
	metrics.WebhookDeliveriesTotal.WithLabelValues("github", "ignored").Inc()

Timing an operation:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.DeploymentStepDuration, string(step))

Running the collector:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

Health registry:

	metrics.RegisterComponent("store", true, false, "initializing")
	// after the database opens
	metrics.UpdateComponent("store", true, "")

Critical components (store, temporal, runtime) gate /ready. Non-critical
components (redis, proxy) surface in /health only, so a degraded cache
does not pull the server out of rotation.

# Monitoring

Useful PromQL:

  - Deploy failure rate: rate(zane_deployments_finished_total{status="FAILED"}[15m])
  - p95 build step: histogram_quantile(0.95, zane_deployment_step_duration_seconds_bucket{step="BUILDING_IMAGE"})
  - Webhook noise: rate(zane_webhook_deliveries_total{result="ignored"}[5m])
  - Proxy drift: rate(zane_proxy_routes_reconciled_total[1h]) > 0

Label cardinality stays bounded: statuses, steps, kinds and providers
are closed enumerations. Deployment hashes and service ids never appear
as label values.
*/
package metrics
