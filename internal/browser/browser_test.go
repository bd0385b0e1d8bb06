package browser

import (
	"errors"
	"strings"
	"testing"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/config"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

func TestLookupKey(t *testing.T) {
	tests := []struct {
		name    string
		want    input.Key
		wantErr bool
	}{
		{"Enter", input.Enter, false},
		{"return", input.Enter, false},
		{"ArrowDown", input.ArrowDown, false},
		{"a", input.Key('a'), false},
		{"F13X", 0, true},
	}
	for _, tt := range tests {
		got, err := lookupKey(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("lookupKey(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("lookupKey(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := map[string]string{
		"":                         "click",
		"Click":                    "click",
		"selectOptionFromDropdown": "selectOption",
		"select":                   "selectOption",
		"scrollIntoView":           "scroll",
		"pressKey":                 "press",
		"mouseover":                "hover",
		"drag":                     "drag",
	}
	for in, want := range tests {
		if got := normalizeMethod(in); got != want {
			t.Errorf("normalizeMethod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"user": "alice", "pass": "s3cret"}
	got := substitute("login %user% with %pass% and %missing%", vars)
	want := "login alice with s3cret and %missing%"
	if got != want {
		t.Errorf("substitute = %q, want %q", got, want)
	}
	if substitute("plain", nil) != "plain" {
		t.Error("expected nil variables to leave the string unchanged")
	}
}

func TestRecordedAction(t *testing.T) {
	fill := recordedAction("fill", "#email", []string{"a@b.c"})
	if fill["type"] != "fill" || fill["selector"] != "#email" || fill["value"] != "a@b.c" {
		t.Errorf("unexpected fill action: %v", fill)
	}

	press := recordedAction("press", "", []string{"Enter"})
	if press["key"] != "Enter" {
		t.Errorf("expected key, got %v", press)
	}
	if _, ok := press["selector"]; ok {
		t.Error("expected no selector for page-level press")
	}

	scroll := recordedAction("scroll", "", []string{"10", "200"})
	if scroll["x"] != 10.0 || scroll["y"] != 200.0 {
		t.Errorf("unexpected scroll offsets: %v", scroll)
	}
}

func TestScrollOffsets(t *testing.T) {
	if x, y := scrollOffsets(nil); x != 0 || y != 600 {
		t.Errorf("default offsets = %v,%v", x, y)
	}
	if x, y := scrollOffsets([]string{"-300"}); x != 0 || y != -300 {
		t.Errorf("single offset = %v,%v", x, y)
	}
	if x, y := scrollOffsets([]string{"abc", "5"}); x != 0 || y != 5 {
		t.Errorf("invalid x offset = %v,%v", x, y)
	}
}

func TestCaptureRequest(t *testing.T) {
	t.Run("png ignores quality", func(t *testing.T) {
		req := captureRequest(automation.ScreenshotOptions{Format: "png", Quality: 50})
		if req.Format != proto.PageCaptureScreenshotFormatPng {
			t.Errorf("expected png, got %v", req.Format)
		}
		if req.Quality != nil {
			t.Error("expected no quality for png")
		}
	})

	t.Run("jpeg quality clamped", func(t *testing.T) {
		req := captureRequest(automation.ScreenshotOptions{Format: "JPEG", Quality: 150})
		if req.Format != proto.PageCaptureScreenshotFormatJpeg {
			t.Errorf("expected jpeg, got %v", req.Format)
		}
		if req.Quality == nil || *req.Quality != 100 {
			t.Errorf("expected quality 100, got %v", req.Quality)
		}
	})

	t.Run("clip", func(t *testing.T) {
		req := captureRequest(automation.ScreenshotOptions{Clip: &automation.Clip{X: 1, Y: 2, Width: 30, Height: 40}})
		if req.Clip == nil || req.Clip.Width != 30 || req.Clip.Scale != 1 {
			t.Errorf("unexpected clip: %+v", req.Clip)
		}
		empty := captureRequest(automation.ScreenshotOptions{Clip: &automation.Clip{}})
		if empty.Clip != nil {
			t.Error("expected zero-size clip to be dropped")
		}
	})
}

func TestDecodeElementsAndCandidates(t *testing.T) {
	raw := []byte(`[
		{"selector":"#login","tag":"button","label":"Log in","action":"click","enabled":true},
		{"selector":"input[name=\"q\"]","tag":"input","label":"Search","action":"fill","enabled":true},
		{"selector":"#gone","tag":"button","label":"Disabled","action":"click","enabled":false},
		{"selector":"div > span","tag":"span","role":"button","label":"","action":"click","enabled":true}
	]`)
	elems, err := decodeElements(raw)
	if err != nil {
		t.Fatalf("decodeElements failed: %v", err)
	}
	if len(elems) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(elems))
	}

	cands := candidates(elems)
	if len(cands) != 3 {
		t.Fatalf("expected disabled element to be skipped, got %d", len(cands))
	}
	wantOrder := []string{"#login", `input[name="q"]`, "div > span"}
	for i, sel := range wantOrder {
		if cands[i].Selector != sel {
			t.Errorf("candidate %d selector = %q, want %q", i, cands[i].Selector, sel)
		}
	}
	if cands[0].Description != "button: Log in" {
		t.Errorf("unexpected description %q", cands[0].Description)
	}
	if cands[2].Description != "button" {
		t.Errorf("expected role as description, got %q", cands[2].Description)
	}

	if none, err := decodeElements([]byte("null")); err != nil || len(none) != 0 {
		t.Errorf("expected empty listing for null, got %v %v", none, err)
	}
}

func TestObserveResponseCandidates(t *testing.T) {
	elems := []element{
		{Selector: "#a", Tag: "button", Label: "A", Action: "click", Enabled: true},
		{Selector: "#b", Tag: "input", Label: "B", Action: "fill", Enabled: true},
	}
	resp := observeResponse{Elements: []observePick{
		{Index: 1, Arguments: []string{"hello"}},
		{Index: 7},
		{Index: 0, Description: "the A button", Method: "tap"},
	}}

	got := resp.candidates(elems)
	if len(got) != 2 {
		t.Fatalf("expected invented index to be dropped, got %d", len(got))
	}
	if got[0].Selector != "#b" || got[0].Method != "fill" || got[0].Arguments[0] != "hello" {
		t.Errorf("unexpected first candidate %+v", got[0])
	}
	if got[1].Selector != "#a" || got[1].Method != "click" || got[1].Description != "the A button" {
		t.Errorf("unexpected second candidate %+v", got[1])
	}
}

func TestPrompts(t *testing.T) {
	elems := []element{
		{Selector: "#q", Tag: "input", Label: "Search", Value: "go", Enabled: true},
		{Selector: "#x", Tag: "button", Label: "Nope", Enabled: false},
	}

	obs := observePrompt("search for rod", elems)
	for _, want := range []string{"Instruction: search for rod", `[0] input: Search (value "go")`, "[1] button: Nope (disabled)"} {
		if !strings.Contains(obs, want) {
			t.Errorf("observe prompt missing %q:\n%s", want, obs)
		}
	}

	ext, err := extractPrompt("get price", map[string]interface{}{"type": "object"}, "Price: 10")
	if err != nil {
		t.Fatalf("extractPrompt failed: %v", err)
	}
	if !strings.Contains(ext, `JSON schema: {"type":"object"}`) || !strings.Contains(ext, "Price: 10") {
		t.Errorf("unexpected extract prompt:\n%s", ext)
	}
	if noSchema, _ := extractPrompt("get price", nil, "x"); strings.Contains(noSchema, "JSON schema") {
		t.Error("expected no schema line without schema")
	}

	agent := agentPrompt("buy milk", "https://shop.test", []string{"click on [0] button"}, elems)
	if !strings.Contains(agent, "Current URL: https://shop.test") || !strings.Contains(agent, "1. click on [0] button") {
		t.Errorf("unexpected agent prompt:\n%s", agent)
	}
}

func TestAgentBudget(t *testing.T) {
	cfg := config.AgentConfig{DefaultMaxSteps: 7}
	if got := agentBudget(0, cfg); got != 7 {
		t.Errorf("expected default budget 7, got %d", got)
	}
	if got := agentBudget(3, cfg); got != 3 {
		t.Errorf("expected requested budget 3, got %d", got)
	}
	if got := agentBudget(500, cfg); got != config.MaxAgentSteps {
		t.Errorf("expected cap %d, got %d", config.MaxAgentSteps, got)
	}
}

func TestSplitFlag(t *testing.T) {
	name, val, ok := splitFlag("--window-size=1280,720")
	if name != "window-size" || val != "1280,720" || !ok {
		t.Errorf("unexpected split: %q %q %v", name, val, ok)
	}
	name, _, ok = splitFlag("--no-sandbox")
	if name != "no-sandbox" || ok {
		t.Errorf("unexpected split: %q %v", name, ok)
	}
}

func TestPageCloseKeepsTabOnFailure(t *testing.T) {
	h := &Handle{}
	first := &Page{h: h}
	second := &Page{h: h}
	h.pages = []*Page{first, second}

	err := first.closeWith(func() error { return errors.New("target detached") })
	if err == nil || !strings.Contains(err.Error(), "target detached") {
		t.Fatalf("expected close error, got %v", err)
	}
	if len(h.pages) != 2 || first.closed {
		t.Fatalf("failed close must keep the page, got %d pages closed=%v", len(h.pages), first.closed)
	}

	calls := 0
	closeTab := func() error { calls++; return nil }
	if err := first.closeWith(closeTab); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(h.pages) != 1 || h.pages[0] != second || !first.closed {
		t.Errorf("expected only the second page to remain, got %d pages", len(h.pages))
	}

	if err := first.closeWith(closeTab); err != nil || calls != 1 {
		t.Errorf("closing twice should be a no-op, got err=%v calls=%d", err, calls)
	}
}
