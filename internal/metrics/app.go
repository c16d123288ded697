// Package metrics names and emits hoist's telemetry. Every helper is a no-op
// until observability.InitMetrics has run.
package metrics

import (
	"time"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/observability"
)

// Upload metrics
const (
	BatchesTotal        = "hoist_batches_total"
	BatchDuration       = "hoist_batch_duration_ms"
	ItemsTotal          = "hoist_items_total"
	ItemErrorsTotal     = "hoist_item_errors_total"
	RateLimitWaitsTotal = "hoist_rate_limit_waits_total"
	RateLimitWait       = "hoist_rate_limit_wait_ms"
	SessionWaitsTotal   = "hoist_session_waits_total"
	ActiveSessions      = "hoist_active_sessions"

	ServerStartTime = "hoist_server_start_time_seconds"
)

// RecordBatch records a finished batch and its per-item outcomes.
func RecordBatch(result *core.BatchResult, elapsed time.Duration) {
	sys := observability.TelemetrySystem
	if sys == nil || result == nil {
		return
	}

	_ = sys.Counter(BatchesTotal, 1, map[string]string{
		"provider": result.Provider,
		"status":   string(result.Status()),
	})
	_ = sys.Histogram(BatchDuration, elapsed, map[string]string{
		"provider": result.Provider,
	})

	if result.Succeeded > 0 {
		_ = sys.Counter(ItemsTotal, float64(result.Succeeded), map[string]string{
			"provider": result.Provider,
			"status":   "succeeded",
		})
	}
	if result.Failed > 0 {
		_ = sys.Counter(ItemsTotal, float64(result.Failed), map[string]string{
			"provider": result.Provider,
			"status":   "failed",
		})
	}
	for _, item := range result.Items {
		if item.State != core.StateFailed {
			continue
		}
		_ = sys.Counter(ItemErrorsTotal, 1, map[string]string{
			"provider": result.Provider,
			"kind":     string(item.Kind),
		})
	}
}

// RecordRateLimitWait records a pause imposed by the gate or a provider hint.
func RecordRateLimitWait(provider, route string, wait time.Duration) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	labels := map[string]string{"provider": provider, "route": route}
	_ = sys.Counter(RateLimitWaitsTotal, 1, labels)
	_ = sys.Histogram(RateLimitWait, wait, labels)
}

// RecordSessionWait records a batch that queued behind another session.
func RecordSessionWait(provider string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(SessionWaitsTotal, 1, map[string]string{
			"provider": provider,
		})
	}
}

// SetActiveSessions sets the number of batches the proxy is running.
func SetActiveSessions(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ActiveSessions, float64(count), nil)
	}
}

// SetServerStartTime records the proxy start time (Unix timestamp).
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}
