// Package automation declares the capabilities the tool layer needs from a
// browser automation engine. internal/browser provides the Rod-backed
// implementation; tests substitute fakes.
package automation

import (
	"context"
	"time"
)

// Factory constructs one automation handle per session.
type Factory interface {
	NewHandle(ctx context.Context, sessionID string) (Handle, error)
}

// Handle is one isolated browser context with an ordered set of pages.
type Handle interface {
	// Pages returns the live pages in creation order.
	Pages(ctx context.Context) ([]Page, error)
	// NewPage opens a blank page and appends it to the set.
	NewPage(ctx context.Context) (Page, error)

	Act(ctx context.Context, page Page, req ActRequest) (interface{}, error)
	Observe(ctx context.Context, page Page, req ObserveRequest) ([]Candidate, error)
	Extract(ctx context.Context, page Page, req ExtractRequest) (interface{}, error)
	Agent(ctx context.Context, req AgentRequest) (AgentResult, error)

	// History returns the executed steps in order. The slice is a copy.
	History() []HistoryEntry
	Close() error
}

// Page is a single tab inside a Handle.
type Page interface {
	Goto(ctx context.Context, url string, timeout time.Duration) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	URL() string
	Close() error
}

// Candidate is an actionable element proposed by observe, or a
// deterministic action supplied to act.
type Candidate struct {
	Selector    string   `json:"selector"`
	Description string   `json:"description"`
	Method      string   `json:"method,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

type ActRequest struct {
	Instruction string
	// Action, when set, is executed directly without model interpretation.
	Action    *Candidate
	Timeout   time.Duration
	Variables map[string]string
	Model     string
}

type ObserveRequest struct {
	Instruction string
	Selector    string
	Timeout     time.Duration
	Model       string
}

type ExtractRequest struct {
	Instruction string
	Schema      map[string]interface{}
	Selector    string
	Timeout     time.Duration
	Model       string
}

type AgentRequest struct {
	Instruction    string
	MaxSteps       int
	Model          string
	ExecutionModel string
	SystemPrompt   string
	CUA            bool
	Integrations   []string
}

type AgentResult struct {
	Completed bool   `json:"completed"`
	Message   string `json:"message"`
	Steps     int    `json:"steps"`
}

// Image formats accepted by Page.Screenshot.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type ScreenshotOptions struct {
	FullPage bool
	Format   string
	// Quality applies to JPEG only; 0 leaves the engine default.
	Quality int
	Clip    *Clip
}

// HistoryEntry is one executed step. Action is nil for steps without a
// concrete browser action.
type HistoryEntry struct {
	Method      string                 `json:"method"`
	Timestamp   time.Time              `json:"timestamp"`
	Instruction string                 `json:"instruction,omitempty"`
	Action      map[string]interface{} `json:"action,omitempty"`
}
