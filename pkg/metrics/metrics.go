package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity metrics
	ProjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zane_projects_total",
			Help: "Total number of projects",
		},
	)

	EnvironmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zane_environments_total",
			Help: "Total number of environments by type",
		},
		[]string{"type"},
	)

	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zane_services_total",
			Help: "Total number of services by kind",
		},
		[]string{"kind"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zane_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	// Deployment lifecycle metrics
	DeploymentsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_deployments_finished_total",
			Help: "Total number of deployments that reached a terminal status, by status and trigger",
		},
		[]string{"status", "trigger"},
	)

	DeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zane_deployment_duration_seconds",
			Help:    "Time from queueing to a terminal status in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	DeploymentStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zane_deployment_step_duration_seconds",
			Help:    "Duration of individual deployment steps in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)

	WorkflowsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_workflows_started_total",
			Help: "Total number of workflow executions started, by workflow type",
		},
		[]string{"workflow"},
	)

	HealthcheckProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_healthcheck_probes_total",
			Help: "Total number of deployment healthcheck probes by result",
		},
		[]string{"result"},
	)

	// HTTP API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_http_requests_total",
			Help: "Total number of HTTP API requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zane_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Webhook metrics
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by provider and outcome",
		},
		[]string{"provider", "result"},
	)

	// Event broker metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_events_published_total",
			Help: "Total number of lifecycle events published, by event type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zane_events_dropped_total",
			Help: "Total number of events dropped because a subscriber's buffer was full",
		},
	)

	// Proxy control-plane metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zane_proxy_requests_total",
			Help: "Total number of proxy admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zane_proxy_request_duration_seconds",
			Help:    "Proxy admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RoutesReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zane_proxy_routes_reconciled_total",
			Help: "Total number of proxy routes reinstalled by the reconciler",
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zane_reconcile_cycles_total",
			Help: "Total number of route reconciliation passes",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zane_reconcile_duration_seconds",
			Help:    "Route reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(EnvironmentsTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentsFinished)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(DeploymentStepDuration)
	prometheus.MustRegister(WorkflowsStarted)
	prometheus.MustRegister(HealthcheckProbesTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WebhookDeliveriesTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(RoutesReconciled)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
