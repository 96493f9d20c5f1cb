// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsProcessed       *prometheus.CounterVec // kind, transition
	EventsDeferred        prometheus.Counter
	EventsDropped         *prometheus.CounterVec // reason
	RoleOps               *prometheus.CounterVec // op, outcome
	DispatchAttempts      prometheus.Counter
	DispatchRetries       prometheus.Counter
	DispatchUnrecoverable *prometheus.CounterVec // reason
	RuleCacheHits         prometheus.Counter
	RuleCacheMisses       prometheus.Counter
	OpsReplayed           prometheus.Counter
	EventsRetried         prometheus.Counter
	RepairOps             *prometheus.CounterVec // outcome

	// Histograms (seconds)
	DispatchDuration prometheus.Observer
	SessionDuration  *prometheus.HistogramVec // managed

	// Gauges
	ActiveSessions  prometheus.Gauge
	QueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voicewarden_events_processed_total", Help: "Presence events processed by event kind and transition taken"}, []string{"kind", "transition"})
		EventsDeferred = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_events_deferred_total", Help: "Presence events deferred for retry"})
		EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voicewarden_events_dropped_total", Help: "Presence events dropped after exhausting deferral attempts"}, []string{"reason"})
		RoleOps = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voicewarden_role_ops_total", Help: "Single-role operations by kind and outcome"}, []string{"op", "outcome"})
		DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_dispatch_attempts_total", Help: "Dispatch attempts including retries"})
		DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_dispatch_retries_total", Help: "Dispatch retries after a transient failure"})
		DispatchUnrecoverable = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voicewarden_dispatch_unrecoverable_total", Help: "Dispatches that ended unrecoverable"}, []string{"reason"})
		RuleCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_rule_cache_hits_total", Help: "Override rule cache hits"})
		RuleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_rule_cache_misses_total", Help: "Override rule cache misses"})
		OpsReplayed = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_ops_replayed_total", Help: "Pending role operations replayed on start-up"})
		EventsRetried = promauto.NewCounter(prometheus.CounterOpts{Name: "voicewarden_events_retried_total", Help: "Dropped presence events resubmitted by the periodic sweep"})
		RepairOps = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voicewarden_repair_ops_total", Help: "Repair operations recorded for roles a dispatch could not change, and how they were settled"}, []string{"outcome"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "voicewarden_dispatch_duration_seconds", Help: "Dispatch duration seconds including retries", Buckets: prometheus.DefBuckets})
		SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "voicewarden_session_duration_seconds", Help: "Voice session duration seconds", Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800}}, []string{"managed"})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicewarden_active_sessions", Help: "Members currently holding a voice session"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicewarden_queue_depth", Help: "Presence events queued across all shards"})
	})
}

// ObserveEvent counts a processed presence event.
func ObserveEvent(kind, transition string) {
	Init()
	EventsProcessed.WithLabelValues(kind, transition).Inc()
}

// ObserveRoleOp counts one single-role operation.
func ObserveRoleOp(op, outcome string) {
	Init()
	RoleOps.WithLabelValues(op, outcome).Inc()
}

// ObserveSessionClosed records the length of a finished voice session.
func ObserveSessionClosed(managed bool, d time.Duration) {
	Init()
	SessionDuration.WithLabelValues(strconv.FormatBool(managed)).Observe(d.Seconds())
}

// SetActiveSessions seeds the active session gauge.
func SetActiveSessions(n int) {
	Init()
	ActiveSessions.Set(float64(n))
}

// AddQueueDepth adjusts the queued event gauge by delta.
func AddQueueDepth(delta int) {
	Init()
	QueueDepthGauge.Add(float64(delta))
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
