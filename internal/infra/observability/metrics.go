package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Client Metrics ─────────────────────────────────────────────────────────

// CounterTaps counts taps applied locally, by event type.
var CounterTaps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "counter",
	Name:      "taps_total",
	Help:      "Taps applied to the local tally, by event type.",
}, []string{"event"})

// CounterThrottled counts taps dropped by the throttle.
var CounterThrottled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "counter",
	Name:      "throttled_total",
	Help:      "Taps ignored because they arrived inside the throttle interval.",
})

// PendingQueueDepth tracks the number of unacknowledged local entries.
var PendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tasbih",
	Subsystem: "sync",
	Name:      "pending_entries",
	Help:      "Entries waiting in the local queue for remote acknowledgement.",
})

// SyncEntries counts drained entries by outcome (synced, rejected, deferred).
var SyncEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "sync",
	Name:      "entries_total",
	Help:      "Queue entries processed by the reconciler, by outcome.",
}, []string{"outcome"})

// SyncDrainDuration tracks how long a queue drain takes.
var SyncDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tasbih",
	Subsystem: "sync",
	Name:      "drain_seconds",
	Help:      "Duration of one reconciler drain cycle.",
	Buckets:   prometheus.DefBuckets,
})

// ─── Service Metrics ────────────────────────────────────────────────────────

// ProgressAppends counts appends handled by the progress service, by result
// (accepted, duplicate, rejected).
var ProgressAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "progress",
	Name:      "appends_total",
	Help:      "Progress appends handled by the service, by result.",
}, []string{"result"})

// GoalsCompleted counts goals moved into completed status.
var GoalsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "progress",
	Name:      "goals_completed_total",
	Help:      "Goals that reached their target, by category.",
}, []string{"category"})

// BadgesAwarded counts newly awarded badges.
var BadgesAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "progress",
	Name:      "badges_awarded_total",
	Help:      "Badges awarded, by badge type.",
}, []string{"badge_type"})

// TierCacheLookups counts subscription tier lookups by cache result.
var TierCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "tier",
	Name:      "cache_lookups_total",
	Help:      "Subscription tier lookups, by result (hit, miss).",
}, []string{"result"})

// HTTPRequestDuration tracks API latency by route pattern and status code.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tasbih",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "API request latency.",
	Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
}, []string{"method", "route", "status"})

// LiveSubscribers tracks connected live-feed clients.
var LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tasbih",
	Subsystem: "live",
	Name:      "subscribers",
	Help:      "Connected SSE and WebSocket progress feed clients.",
})

// SpanErrors counts spans that ended with an error.
var SpanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tasbih",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Recorded spans with error status, by operation.",
}, []string{"operation"})
