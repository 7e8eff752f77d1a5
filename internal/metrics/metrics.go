package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	HTTPPanicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_http_panics_recovered_total",
			Help: "Panics recovered by the HTTP middleware",
		},
	)

	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_cycles_total",
			Help: "Total number of evaluation cycles",
		},
		[]string{"tenant_id", "status"}, // status: completed, timeout, failed
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maintenance_cycle_duration_seconds",
			Help:    "Evaluation cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	AssetsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_assets_evaluated_total",
			Help: "Assets evaluated, by result",
		},
		[]string{"result"}, // evaluated, skipped
	)

	AssetsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_assets_skipped_total",
			Help: "Assets skipped during a cycle, by reason",
		},
		[]string{"reason"}, // source_unavailable, cycle_timeout, error
	)

	NeedsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_needs_generated_total",
			Help: "Maintenance needs generated, by cause kind",
		},
		[]string{"cause"}, // rule, prediction
	)

	// Work order metrics
	WorkOrderUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_work_order_upserts_total",
			Help: "Work order upserts, by outcome",
		},
		[]string{"outcome"}, // created, duplicate_suppressed, skipped, conflict, error
	)

	// Prediction metrics
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_predictions_total",
			Help: "Predictions produced, by strategy and risk level",
		},
		[]string{"strategy", "risk_level"},
	)

	ModelRetrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_model_retrains_total",
			Help: "Model retraining attempts",
		},
		[]string{"status"}, // success, insufficient_data, failed
	)

	TrainingExamplesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_training_examples_added_total",
			Help: "Labeled examples appended from closed work orders",
		},
	)

	// Alert metrics
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_alerts_published_total",
			Help: "Alerts delivered per sink",
		},
		[]string{"sink", "kind", "status"}, // status: success, failed
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_alerts_suppressed_total",
			Help: "Alerts suppressed because an identical alert was already sent",
		},
		[]string{"kind"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_websocket_clients",
			Help: "Connected alert subscribers",
		},
	)

	// Telemetry metrics
	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_readings_ingested_total",
			Help: "Meter readings recorded, by flag",
		},
		[]string{"flag"}, // ok, out_of_order, low_quality
	)

	TelemetryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintenance_telemetry_retries_total",
			Help: "Telemetry read retries",
		},
	)
)
