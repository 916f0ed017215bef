package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IntentsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_intents_submitted_total",
		Help: "Total number of payment requests accepted into the pipeline.",
	})

	IntentsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_intents_completed_total",
		Help: "Total number of intents reaching a terminal status, labelled by status.",
	}, []string{"status"})

	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_rejections_total",
		Help: "Total number of validation rejections, labelled by code.",
	}, []string{"code"})

	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_escalations_total",
		Help: "Total number of rejection-streak escalation alerts raised.",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_stage_duration_ms",
		Help:    "Pipeline stage latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"stage"})

	RouteAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_route_attempts_total",
		Help: "Venue execution attempts, labelled by venue and outcome.",
	}, []string{"venue", "outcome"})

	FallbacksUsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_route_fallbacks_total",
		Help: "Routes that settled on an alternative venue.",
	})

	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_batches_created_total",
		Help: "Attestation batches created.",
	})

	BatchesAttested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_batches_attested_total",
		Help: "Attestation batches anchored.",
	})

	PendingAttestations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycore_attestation_pending",
		Help: "Signed intents waiting for a batch.",
	})

	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_ledger_entries_total",
		Help: "Ledger entries recorded, labelled by entry type.",
	}, []string{"type"})

	LotShortfalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_ledger_lot_shortfalls_total",
		Help: "Settlements that needed an implicit lot because recorded lots were insufficient.",
	})

	EventHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_event_handler_failures_total",
		Help: "Event handler errors or panics, labelled by event type.",
	}, []string{"type"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycore_queue_utilization_ratio",
		Help: "Current async submission queue utilization (0–1).",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_http_requests_total",
		Help: "HTTP requests served, labelled by method and status code.",
	}, []string{"method", "code"})

	HTTPDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paycore_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})
)
