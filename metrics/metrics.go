package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"severity"},
	)

	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_events_evicted_total",
			Help: "Total number of events evicted from the bounded event store",
		},
	)

	EventStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_event_store_size",
			Help: "Number of events currently held in the event store",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_event_processing_duration_seconds",
			Help:    "Time taken to run the ingestion pipeline for one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	RiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_event_risk_score",
			Help:    "Distribution of total event risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	DetectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_detections_created_total",
			Help: "Total number of threat detections created",
		},
		[]string{"trigger"},
	)

	DetectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_detection_transitions_total",
			Help: "Total number of detection status transitions",
		},
		[]string{"status"},
	)

	DetectionStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_detection_store_size",
			Help: "Number of detections currently held in the detection store",
		},
	)

	ArchiveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_archive_failures_total",
			Help: "Total number of failed event archive appends",
		},
	)
)

// Detection pipeline metrics.
var (
	// RuleEvaluationErrors counts rules skipped because evaluation failed or panicked.
	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "rule_evaluation_errors_total",
			Help:      "Total number of rule evaluations that errored and were skipped",
		},
		[]string{"rule_id"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "rule_matches_total",
			Help:      "Total number of rule and signature matches",
		},
		[]string{"kind", "id"},
	)

	RegexTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "regex_timeouts_total",
			Help:      "Total number of text patterns that hit the match timeout",
		},
		[]string{"rule_id"},
	)

	CorrelationClusters = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "correlation_clusters_total",
			Help:      "Total number of correlation clusters formed or extended",
		},
	)

	AmbiguousCorrelations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "detect",
			Name:      "ambiguous_correlations_total",
			Help:      "Total number of events already bound to a different correlation id",
		},
	)

	BaselineBreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "ml",
			Name:      "baseline_breaches_total",
			Help:      "Total number of behavioral baseline breaches",
		},
		[]string{"kind", "severity"},
	)

	ThreatIntelLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "threat",
			Name:      "lookups_total",
			Help:      "Total number of threat intelligence lookups",
		},
		[]string{"source", "result"},
	)
)

// Response, analytics and export metrics.
var (
	ResponseActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_response_actions_total",
			Help: "Total number of response actions by type and final status",
		},
		[]string{"type", "status"},
	)

	InsightsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_insights_generated_total",
			Help: "Total number of analytics insights published",
		},
		[]string{"type", "severity"},
	)

	AnalyticsRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_analytics_run_duration_seconds",
			Help:    "Time taken by one analytics recomputation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExportBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_export_batches_total",
			Help: "Total number of remote export batches by outcome",
		},
		[]string{"status"},
	)

	ExportBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_export_buffer_size",
			Help: "Number of log entries waiting for remote export",
		},
	)

	ExportDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_export_dropped_total",
			Help: "Total number of log entries dropped because the export buffer was full",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)
)
