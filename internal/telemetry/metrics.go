package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ActionsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_actions_enqueued_total", Help: "Actions added to the offline queue"}, []string{"type"})
	ActionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_actions_completed_total", Help: "Actions completed successfully"}, []string{"type"})
	ActionsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_actions_retried_total", Help: "Failed attempts returned to pending for retry"}, []string{"type", "kind"})
	ActionsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_actions_failed_total", Help: "Actions moved to the terminal failed state"}, []string{"type", "kind"})
	ActionsReverted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_actions_reverted_total", Help: "Attempts reverted to pending after a storage failure"})
	ActionsPurged    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_actions_purged_total", Help: "Completed actions removed by cleanup"})
	PendingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_actions_pending", Help: "Actions waiting to be drained"})
	OnlineGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_online", Help: "1 when connectivity is available"})
	DrainPasses      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_drain_passes_total", Help: "Drain passes by outcome"}, []string{"outcome"})
	DrainDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sync_drain_duration_seconds", Help: "Duration of drain passes that ran", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_remote_rate_limited_total", Help: "Remote calls rejected by the local rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ActionsEnqueued,
			ActionsCompleted,
			ActionsRetried,
			ActionsFailed,
			ActionsReverted,
			ActionsPurged,
			PendingGauge,
			OnlineGauge,
			DrainPasses,
			DrainDuration,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
