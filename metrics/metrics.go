package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine Metrics

	// ProcessesStarted counts started processes per form.
	ProcessesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_processes_started_total",
			Help: "Total number of started processes",
		},
		[]string{"form"},
	)

	// StepSubmissions counts committed step submissions.
	StepSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_step_submissions_total",
			Help: "Total number of committed step submissions",
		},
		[]string{"decision"},
	)

	// ProcessesCompleted counts processes whose cursor moved past the last step.
	ProcessesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketflow_processes_completed_total",
			Help: "Total number of completed processes",
		},
	)

	// SubmitRejections counts submissions refused before commit, by reason.
	SubmitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_submit_rejections_total",
			Help: "Total number of refused submissions",
		},
		[]string{"reason"}, // forbidden / validation / conflict / completed / no_workflow
	)

	// SubmitDuration observes SubmitStep latency.
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketflow_submit_duration_seconds",
			Help:    "SubmitStep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API Server Metrics

	// APIRequestsTotal counts API requests.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestDuration observes API request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketflow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// EventHandlerFailures counts failed asynchronous event deliveries by event type.
	EventHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_event_handler_failures_total",
			Help: "Total number of failed event handler executions",
		},
		[]string{"event"},
	)

	// NotificationsSent counts e-mails by outcome.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_notifications_total",
			Help: "Total number of notification attempts",
		},
		[]string{"kind", "status"},
	)
)
