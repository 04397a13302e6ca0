package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for Expunge
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Hub metrics
	HubConnectionsActive   prometheus.Gauge
	HubSubscriptionsActive prometheus.Gauge
	HubEventsPublished     *prometheus.CounterVec
	HubSendFailures        prometheus.Counter

	// Workflow metrics
	WorkflowRequestsTotal     *prometheus.CounterVec
	WorkflowActive            prometheus.Gauge
	WorkflowStageDuration     *prometheus.HistogramVec
	WorkflowRecordsDeleted    prometheus.Counter
	ConfirmationTimeoutsTotal prometheus.Counter

	// Resilience metrics
	CacheOperations *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	QueueOperations *prometheus.CounterVec

	// Audit metrics
	AuditRecordsTotal prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expunge_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "expunge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Hub metrics
	m.HubConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expunge_hub_connections_active",
			Help: "Number of live client connections",
		},
	)

	m.HubSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expunge_hub_subscriptions_active",
			Help: "Number of active subject subscriptions",
		},
	)

	m.HubEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expunge_hub_events_published_total",
			Help: "Total number of events fanned out by the hub",
		},
		[]string{"event_type"},
	)

	m.HubSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expunge_hub_send_failures_total",
			Help: "Total number of sends skipped because the connection was gone",
		},
	)

	// Workflow metrics
	m.WorkflowRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expunge_workflow_requests_total",
			Help: "Total number of deletion workflow runs",
		},
		[]string{"outcome"}, // complete, failed
	)

	m.WorkflowActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expunge_workflow_active",
			Help: "Number of deletion workflows currently in flight",
		},
	)

	m.WorkflowStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "expunge_workflow_stage_duration_seconds",
			Help:    "Duration of individual workflow stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // from 10ms to ~164s
		},
		[]string{"stage"},
	)

	m.WorkflowRecordsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expunge_workflow_records_deleted_total",
			Help: "Total number of records removed from off-system storage",
		},
	)

	m.ConfirmationTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expunge_workflow_confirmation_timeouts_total",
			Help: "Total number of anchor transactions that missed the confirmation budget",
		},
	)

	// Resilience metrics
	m.CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expunge_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"},
	)

	m.QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expunge_queue_depth",
			Help: "Number of operations pending in the retry queue",
		},
	)

	m.QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expunge_queue_operations_total",
			Help: "Total number of queue operations",
		},
		[]string{"operation", "result"},
	)

	// Audit metrics
	m.AuditRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expunge_audit_records_total",
			Help: "Total number of terminal deletion reports persisted",
		},
	)

	return m
}
