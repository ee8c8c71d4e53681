package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subscription workflow metrics
var (
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_workflows_total",
			Help: "Subscription workflows that reached an outcome",
		},
		[]string{"outcome"}, // committed, pending, cancelled, expired
	)

	WorkflowSuspensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_workflow_suspensions_total",
			Help: "Workflow suspensions by the gate that was pending",
		},
		[]string{"gate"}, // verify, confirm, moderate
	)

	WorkflowErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_workflow_errors_total",
			Help: "Errors returned by workflow entry points",
		},
		[]string{"operation", "kind"},
	)

	WorkflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roster_workflow_run_duration_seconds",
			Help:    "Time spent running a workflow to its next suspension or outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"}, // start, resume, decide
	)

	MembersCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_members_committed_total",
			Help: "Member commit attempts by result",
		},
		[]string{"result"}, // created, existing
	)
)

// Pending request store metrics
var (
	PendingRequestOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_pending_request_operations_total",
			Help: "Pending request store operations",
		},
		[]string{"operation", "status"},
	)

	PendingRequestsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roster_pending_requests_swept_total",
			Help: "Pending requests removed after their lifetime elapsed",
		},
	)

	CleanupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_cleanup_runs_total",
			Help: "Cleanup worker runs by status",
		},
		[]string{"status"}, // success, failure, skipped
	)
)

// Notification metrics
var (
	NotificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_notifications_queued_total",
			Help: "Notices enqueued in the outbox by template",
		},
		[]string{"template", "status"}, // status: queued, duplicate, failure
	)

	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_notification_deliveries_total",
			Help: "Notice relay attempts by result",
		},
		[]string{"result"}, // success, retry, failed
	)

	NotificationRelayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roster_notification_relay_duration_seconds",
			Help:    "Duration of a single relay attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roster_outbox_pending",
			Help: "Notices waiting in the outbox",
		},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roster_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roster_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roster_component_health_checks_total",
			Help: "Health checks performed by component and resulting status",
		},
		[]string{"component", "status"},
	)
)
