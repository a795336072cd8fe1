// Package metrics provides Prometheus metrics for the security gateway (RED + security signals).
// Scrapeable at /metrics; alerting rules rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xp_security"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "path"},
	)

	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Total number of requests rejected with 429 by the rate limiter.",
		},
	)

	// AnomaliesDetectedTotal counts anomaly reports by anomaly type.
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total number of behavioral anomalies reported, by type.",
		},
		[]string{"type"},
	)

	// ActivityRecordsTracked is the number of live activity records (kind=user|ip).
	ActivityRecordsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_records_tracked",
			Help:      "Number of activity records currently tracked by the anomaly detector.",
		},
		[]string{"kind"},
	)

	MFAVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_verifications_total",
			Help:      "Total number of TOTP verifications by result (success, invalid, replay, not_enrolled).",
		},
		[]string{"result"},
	)

	CryptoOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_operations_total",
			Help:      "Total number of field encryption operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	TokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Total number of token validations by result.",
		},
		[]string{"result"},
	)

	InjectionFlagsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injection_flags_total",
			Help:      "Total number of query parameters flagged by the injection pattern detector.",
		},
	)

	SuspiciousUserAgentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_user_agents_total",
			Help:      "Total number of requests carrying a known scanner user agent.",
		},
	)

	AuditSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_errors_total",
			Help:      "Total number of audit events that failed to reach a sink.",
		},
		[]string{"sink"},
	)

	// MaintenanceRunsTotal counts background job runs by job and result (success|error).
	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Total number of maintenance job runs by job and result.",
		},
		[]string{"job", "result"},
	)

	MaintenanceDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Maintenance job duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"job"},
	)

	// SecurityComponentHealthy is 1 when the last health check passed for component, else 0.
	SecurityComponentHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_healthy",
			Help:      "Result of the last security configuration check per component.",
		},
		[]string{"component"},
	)

	AuditEventsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_purged_total",
			Help:      "Total number of audit rows deleted by retention.",
		},
	)
)
