package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"pagepilot-mcp-server/internal/assets"
	"pagepilot-mcp-server/internal/automation/automationtest"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/history"
	"pagepilot-mcp-server/internal/metrics"
	"pagepilot-mcp-server/internal/recorder"
	"pagepilot-mcp-server/internal/session"

	"github.com/mark3labs/mcp-go/mcp"
)

type testHarness struct {
	srv      *Server
	factory  *automationtest.Factory
	registry *session.Registry
	assets   *assets.Publisher
	traceDir string
}

func setupTestServerConfig(t *testing.T, gates Gates) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.MCP.EnableModelOverride = gates.ModelOverride
	cfg.MCP.EnableMultiPage = gates.MultiPage
	cfg.Assets.Port = 0
	cfg.Assets.PublicDir = filepath.Join(dir, "public")
	cfg.Assets.ScreenshotDir = filepath.Join(dir, "public", "screenshots")
	cfg.Recorder.Dir = filepath.Join(dir, "traces")
	return cfg
}

func newTestHarness(t *testing.T, gates Gates) *testHarness {
	t.Helper()
	cfg := setupTestServerConfig(t, gates)

	factory := &automationtest.Factory{}
	store := history.NewStore()
	registry := session.NewRegistry(factory, session.Options{OnClose: func(id string) { store.Forget(id) }})
	publisher := assets.NewPublisher(cfg.Assets)
	t.Cleanup(func() { _ = publisher.Shutdown(context.Background()) })

	rec, err := recorder.NewRecorder(cfg.Recorder.Dir)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("recorder Start failed: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	srv, err := NewServer(cfg, registry, publisher, store, rec)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testHarness{srv: srv, factory: factory, registry: registry, assets: publisher, traceDir: cfg.Recorder.Dir}
}

func (h *testHarness) call(t *testing.T, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	tool, ok := h.srv.tools[name]
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
	res, err := h.srv.wrapTool(tool)(context.Background(), req)
	if err != nil {
		t.Fatalf("tool %s returned transport error: %v", name, err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

// callOK runs a tool that must succeed and decodes its JSON object payload.
func (h *testHarness) callOK(t *testing.T, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	res := h.call(t, name, args)
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("tool %s failed: %s", name, text)
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("tool %s returned non-object payload %q: %v", name, text, err)
	}
	return out
}

// callErr runs a tool that must fail and returns the envelope's kind.
func (h *testHarness) callErr(t *testing.T, name string, args map[string]interface{}) (errs.Kind, string) {
	t.Helper()
	res := h.call(t, name, args)
	text := resultText(t, res)
	if !res.IsError {
		t.Fatalf("expected tool %s to fail, got %s", name, text)
	}
	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		t.Fatalf("failure payload is not an envelope: %q", text)
	}
	if env.Success {
		t.Error("expected success=false in failure envelope")
	}
	return errs.Kind(env.Error.Kind), env.Error.Message
}

func (h *testHarness) handle(t *testing.T) *automationtest.Handle {
	t.Helper()
	hd := h.factory.Handle(session.DefaultID)
	if hd == nil {
		t.Fatal("expected the default session to exist")
	}
	return hd
}

func TestNewServer(t *testing.T) {
	h := newTestHarness(t, Gates{})

	expected := []string{
		"act", "agent", "close_page", "close_session", "extract", "generate_script",
		"get_history", "goto", "list_pages", "new_page", "observe", "screenshot", "set_active_page",
	}
	if got := h.srv.ToolNames(); !reflect.DeepEqual(got, expected) {
		t.Errorf("tool catalogue = %v, want %v", got, expected)
	}

	for name, tool := range h.srv.tools {
		if tool.Description() == "" {
			t.Errorf("tool %s has no description", name)
		}
		if tool.InputSchema()["type"] != "object" {
			t.Errorf("tool %s schema is not an object", name)
		}
	}

	if _, err := NewServer(config.DefaultConfig(), nil, nil, nil, nil); err == nil {
		t.Error("expected error without a registry")
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestInvocationsAreRecorded(t *testing.T) {
	h := newTestHarness(t, Gates{})
	h.callOK(t, "list_pages", nil)
	h.callErr(t, "act", map[string]interface{}{})

	files, err := filepath.Glob(filepath.Join(h.traceDir, "invocations_*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one trace file, got %v (%v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 trace lines, got %d:\n%s", len(lines), data)
	}

	var inv recorder.Invocation
	if err := json.Unmarshal([]byte(lines[1]), &inv); err != nil {
		t.Fatalf("decode trace line: %v", err)
	}
	if inv.Tool != "act" || inv.Outcome != "error" || inv.ErrorKind != string(errs.KindInvalidArgument) {
		t.Errorf("unexpected trace %+v", inv)
	}
	if inv.SessionID != session.DefaultID || inv.InvocationID == "" {
		t.Errorf("expected session and invocation ids, got %+v", inv)
	}
}

func TestToolMetricsLabelFailureKind(t *testing.T) {
	h := newTestHarness(t, Gates{})
	h.callErr(t, "extract", map[string]interface{}{})
	h.callErr(t, "set_active_page", map[string]interface{}{"pageIndex": 3})

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`pagepilot_tool_calls_total{outcome="InvalidArgument",tool="extract"}`,
		`pagepilot_tool_calls_total{outcome="InvalidIndex",tool="set_active_page"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
	if strings.Contains(body, `outcome="error"`) {
		t.Error("failures should be labelled by kind")
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("broken", map[string]interface{}{"ch": make(chan int)})
	var env map[string]interface{}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("fallback payload is not JSON: %v", err)
	}
	if env["success"] != false {
		t.Errorf("expected failure envelope, got %v", env)
	}
}

func TestErrorPayloadUntypedError(t *testing.T) {
	var env struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(errorPayload(os.ErrNotExist), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Kind != string(errs.KindEngineFailure) || env.Error.Message == "" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestSessionHistoryResource(t *testing.T) {
	h := newTestHarness(t, Gates{})
	h.callOK(t, "goto", map[string]interface{}{"url": "https://example.com"})

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "pagepilot://sessions/default/history"
	req.Params.Arguments = map[string]any{"id": []string{session.DefaultID}}

	contents, err := h.srv.handleSessionHistoryResource(context.Background(), req)
	if err != nil {
		t.Fatalf("resource read failed: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["session_id"] != session.DefaultID || payload["count"] != 1.0 {
		t.Errorf("unexpected payload %v", payload)
	}

	about, err := h.srv.handleAboutResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatalf("about failed: %v", err)
	}
	if !strings.Contains(about[0].(mcp.TextResourceContents).Text, `"new_page"`) {
		t.Error("expected about resource to list tools")
	}
}
