package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Board state, ingestion, scheduler and publisher collectors, labelled by board id.

var (
	// Board store
	FeeRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixelboard",
		Subsystem: "board",
		Name:      "fee_rate_wei",
		Help:      "Current publish fee rate per board",
	}, []string{"board"})

	DirtyBoards = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelboard",
		Subsystem: "board",
		Name:      "dirty",
		Help:      "Number of boards with unpublished mutations",
	})

	ActivityWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pixelboard",
		Subsystem: "board",
		Name:      "activity_write_duration_seconds",
		Help:      "Synchronous activity table persist duration",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// Ingest
	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Pixel events received, by outcome",
	}, []string{"board", "result"})

	IngestStreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "ingest",
		Name:      "stream_errors_total",
		Help:      "Accepted events that could not be fanned out to the event stream",
	})

	// Scheduler
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total scheduler ticks",
	})

	SchedulerCycleSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "scheduler",
		Name:      "cycles_skipped_total",
		Help:      "Dirty boards skipped because a previous cycle was still in flight",
	}, []string{"board"})

	SchedulerCycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixelboard",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Snapshot, persist, render and publish duration per board",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"board"})

	// Publisher
	PublishCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "publisher",
		Name:      "cycles_total",
		Help:      "Publish passes over the endpoint list, by result (confirmed|exhausted)",
	}, []string{"board", "result"})

	PublishAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "publisher",
		Name:      "attempts_total",
		Help:      "Per-endpoint publish attempts, by outcome and failure class",
	}, []string{"board", "endpoint", "outcome", "class"})

	PublishAttemptLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixelboard",
		Subsystem: "publisher",
		Name:      "attempt_duration_seconds",
		Help:      "Submit-to-receipt duration per endpoint attempt",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
	}, []string{"endpoint"})

	EndpointBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixelboard",
		Subsystem: "publisher",
		Name:      "endpoint_breaker_state",
		Help:      "Endpoint circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"endpoint"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "JSON-RPC calls by method and status",
	}, []string{"endpoint", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "JSON-RPC calls delayed by the per-endpoint rate limiter",
	}, []string{"endpoint"})

	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Admin API requests rejected by the per-client limiter, by route class",
	}, []string{"class"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown, by channel and type",
	}, []string{"channel", "type"})
)
