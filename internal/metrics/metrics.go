// Package metrics provides Prometheus metrics for monitoring the control plane.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BrowsersCreated counts browser processes launched by the pool.
	BrowsersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_browsers_created_total",
			Help: "Total browser processes launched",
		},
	)

	// BrowsersDestroyed counts browser processes destroyed by the pool.
	BrowsersDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_browsers_destroyed_total",
			Help: "Total browser processes destroyed",
		},
	)

	// BrowsersRecycled counts recycle operations.
	BrowsersRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_browsers_recycled_total",
			Help: "Total browsers recycled",
		},
	)

	// BrowserLifetime tracks the lifetime of destroyed browsers.
	BrowserLifetime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browsergrid_browser_lifetime_seconds",
			Help:    "Lifetime of destroyed browser processes",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3 days
		},
	)

	// PoolUtilization is activeBrowsers/maxBrowsers.
	PoolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_pool_utilization",
			Help: "Active browsers over pool capacity",
		},
	)

	// AcquireQueueLength is the number of waiters queued for a browser.
	AcquireQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_acquire_queue_length",
			Help: "Waiters queued for a browser",
		},
	)

	// AcquireWaitTime tracks how long acquisitions waited.
	AcquireWaitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browsergrid_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a browser",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	// ActionsTotal counts executed actions by type and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_actions_total",
			Help: "Total actions executed",
		},
		[]string{"type", "status"},
	)

	// ActionDuration tracks action duration by type.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browsergrid_action_duration_seconds",
			Help:    "Action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"type"},
	)

	// ActionRetries counts retry attempts by action type.
	ActionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_action_retries_total",
			Help: "Total action retry attempts",
		},
		[]string{"type"},
	)

	// ActiveSessions shows current live sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_active_sessions",
			Help: "Number of live sessions",
		},
	)

	// ActivePages shows current open pages.
	ActivePages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_active_pages",
			Help: "Number of open pages",
		},
	)

	// WSConnections shows current WebSocket connections.
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_ws_connections",
			Help: "Current WebSocket connections",
		},
	)

	// WSEventsDelivered counts fan-out deliveries by channel prefix.
	WSEventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsergrid_ws_events_delivered_total",
			Help: "Events delivered to subscribers",
		},
		[]string{"channel"},
	)

	// WSEventsDropped counts events dropped under back-pressure.
	WSEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browsergrid_ws_events_dropped_total",
			Help: "Events dropped due to slow subscribers",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsergrid_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browsergrid_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		BrowsersCreated,
		BrowsersDestroyed,
		BrowsersRecycled,
		BrowserLifetime,
		PoolUtilization,
		AcquireQueueLength,
		AcquireWaitTime,
		ActionsTotal,
		ActionDuration,
		ActionRetries,
		ActiveSessions,
		ActivePages,
		WSConnections,
		WSEventsDelivered,
		WSEventsDropped,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordAction records metrics for a completed action.
func RecordAction(actionType string, success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	ActionsTotal.WithLabelValues(actionType, status).Inc()
	ActionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			MemoryUsageBytes.Set(float64(m.Alloc))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}
