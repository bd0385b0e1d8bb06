package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveTool("goto", "ok", 20*time.Millisecond)
	ObserveTool("goto", "InvalidIndex", time.Millisecond)
	SetSessions(2)
	SessionEvicted()
	ScreenshotPublished()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`pagepilot_tool_calls_total{outcome="ok",tool="goto"}`,
		`pagepilot_tool_calls_total{outcome="InvalidIndex",tool="goto"}`,
		"pagepilot_sessions_active 2",
		"pagepilot_sessions_evicted_total",
		"pagepilot_screenshots_published_total",
		"pagepilot_tool_duration_seconds_bucket",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
