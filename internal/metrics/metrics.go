package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SigningEventsTotal tracks state machine outcomes per action
	SigningEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetsign_signing_events_total",
			Help: "Total number of signing events applied by the state machine",
		},
		[]string{"action", "outcome"}, // outcome: processed, duplicate, ignored, error
	)

	// JobsProcessedTotal tracks deferred job outcomes per type
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetsign_jobs_processed_total",
			Help: "Total number of deferred job executions",
		},
		[]string{"type", "outcome"}, // outcome: succeeded, retried, interrupted, failed, skipped
	)

	// JobsReclaimedTotal counts PROCESSING jobs handed back after their claim went stale
	JobsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetsign_jobs_reclaimed_total",
			Help: "Total number of stale job claims returned to the queue",
		},
	)

	// Jobs tracks the number of deferred jobs per status
	Jobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sheetsign_jobs",
			Help: "Number of deferred jobs by status",
		},
		[]string{"status"},
	)

	// Sheets tracks the number of sheets per status
	Sheets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sheetsign_sheets",
			Help: "Number of sheets by status",
		},
		[]string{"status"},
	)

	// SheetsExpiredTotal counts sheets moved to EXPIRED by the sweeper
	SheetsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetsign_sheets_expired_total",
			Help: "Total number of sheets expired by the background sweep",
		},
	)

	// ProviderCallsTotal tracks signing provider calls per operation
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetsign_provider_calls_total",
			Help: "Total number of signing provider calls",
		},
		[]string{"operation", "outcome"},
	)

	// ProviderCallDuration tracks provider call latency including retries
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheetsign_provider_call_duration_seconds",
			Help:    "Signing provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RetryAttemptsTotal counts retries scheduled by the retry executor
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetsign_retry_attempts_total",
			Help: "Total number of retried attempts",
		},
		[]string{"operation"},
	)

	// WebhooksTotal tracks inbound webhook deliveries
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetsign_webhooks_total",
			Help: "Total number of inbound provider webhooks",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage is the percentage of open connections in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sheetsign_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		},
	)
)
