// Package metrics exposes Prometheus collectors for tool calls and sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagepilot",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome (ok or the failure kind).",
	}, []string{"tool", "outcome"})
	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pagepilot",
		Name:      "tool_duration_seconds",
		Help:      "Tool invocation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"tool"})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagepilot",
		Name:      "sessions_active",
		Help:      "Sessions currently holding an automation handle.",
	})
	sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagepilot",
		Name:      "sessions_evicted_total",
		Help:      "Sessions closed by idle eviction or the session limit.",
	})
	screenshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagepilot",
		Name:      "screenshots_published_total",
		Help:      "Screenshots written to the asset directory.",
	})
)

// ObserveTool records one tool invocation.
func ObserveTool(tool, outcome string, elapsed time.Duration) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
	toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func SetSessions(n int) {
	sessionsActive.Set(float64(n))
}

func SessionEvicted() {
	sessionsEvicted.Inc()
}

func ScreenshotPublished() {
	screenshotsPublished.Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
