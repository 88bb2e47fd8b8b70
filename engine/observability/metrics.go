// Package observability exposes the engine's internal state as
// Prometheus metrics for the ops dashboard.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ShadowIndexSize tracks the number of ShadowRecords held per kind.
	ShadowIndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reminder_shadow_index_size",
		Help: "Current number of ShadowRecords tracked per reminder kind",
	}, []string{"kind"})

	// SchedulingDecisions tracks scheduleX outcomes by kind and result.
	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reminder_scheduling_decisions_total",
		Help: "Total scheduleX decisions made, by kind and outcome",
	}, []string{"kind", "decision"}) // decision: scheduled, failed

	// MaterializerTruncations tracks how often quota truncation fired.
	MaterializerTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reminder_materializer_truncations_total",
		Help: "Total times the Materializer had to shrink its horizon to fit the per-spec quota",
	}, []string{"kind"})

	// RetryQueueSize tracks the current retry queue length.
	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reminder_retry_queue_size",
		Help: "Current number of entries in the scheduling retry queue",
	})

	// NotifierCircuitState tracks the OS-notifier circuit breaker state.
	NotifierCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reminder_notifier_circuit_state",
		Help: "Platform notifier circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// DeliveryRate mirrors DeliveryTracker.Stats().DeliveryRate.
	DeliveryRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reminder_delivery_rate",
		Help: "delivered / scheduled, from the last stats recompute",
	})

	// InteractionRate mirrors DeliveryTracker.Stats().InteractionRate.
	InteractionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reminder_interaction_rate",
		Help: "interacted / delivered, from the last stats recompute",
	})

	// CriticalMirrorUnsynced tracks critical reminders that failed to
	// reach the remote scheduler on last attempt.
	CriticalMirrorUnsynced = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reminder_critical_mirror_unsynced",
		Help: "Number of CriticalMirror records not yet acknowledged by the remote scheduler",
	})

	// RemoteSchedulerLatency tracks round-trip latency to the backup channel.
	RemoteSchedulerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reminder_remote_scheduler_latency_seconds",
		Help:    "Remote Scheduler Client call latency",
		Buckets: prometheus.DefBuckets,
	})

	// RestartsDetected tracks how many times a device-restart gap was observed.
	RestartsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminder_restarts_detected_total",
		Help: "Total number of times initialize() detected a device-restart gap",
	})

	// HealthCheckDrift tracks the ratio of shadow-index size to expected count.
	HealthCheckDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reminder_health_check_drift_ratio",
		Help: "shadow index size / expected scheduled count, from the last periodic health check",
	})
)
