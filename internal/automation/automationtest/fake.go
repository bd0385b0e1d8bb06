// Package automationtest provides in-memory automation handles for tests.
package automationtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pagepilot-mcp-server/internal/automation"
)

// Factory hands out Handles and counts constructions.
type Factory struct {
	// Err, when set, fails every construction.
	Err error
	// Delay stalls construction so concurrent first access can be exercised.
	Delay time.Duration

	created atomic.Int32
	mu      sync.Mutex
	handles map[string]*Handle
}

func (f *Factory) NewHandle(ctx context.Context, sessionID string) (automation.Handle, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.created.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}

	h := NewHandle()
	f.mu.Lock()
	if f.handles == nil {
		f.handles = make(map[string]*Handle)
	}
	f.handles[sessionID] = h
	f.mu.Unlock()
	return h, nil
}

// Created returns how many constructions were attempted.
func (f *Factory) Created() int {
	return int(f.created.Load())
}

// Handle returns the last handle built for sessionID.
func (f *Factory) Handle(sessionID string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[sessionID]
}

// Handle is a scriptable automation.Handle. Zero-valued result fields yield
// empty results; the counters record how often each capability ran.
type Handle struct {
	mu      sync.Mutex
	pages   []*Page
	history []automation.HistoryEntry
	closed  bool

	ActResult     interface{}
	ObserveResult []automation.Candidate
	ExtractResult interface{}
	AgentResult   automation.AgentResult
	CapabilityErr error
	NewPageErr    error
	LastAct       automation.ActRequest
	LastObserve   automation.ObserveRequest
	LastExtract   automation.ExtractRequest
	LastAgent     automation.AgentRequest
	LastActPage   automation.Page
	ActCalls      int
	ObserveCalls  int
	ExtractCalls  int
	AgentCalls    int
	NewPageCalls  int
	PagesCalls    int

	// BeforeClose runs at the start of Close, outside the handle's lock.
	BeforeClose func()
}

func NewHandle() *Handle {
	return &Handle{}
}

func (h *Handle) Pages(ctx context.Context) ([]automation.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PagesCalls++
	live := make([]automation.Page, 0, len(h.pages))
	kept := h.pages[:0]
	for _, p := range h.pages {
		if p.Closed() {
			continue
		}
		kept = append(kept, p)
		live = append(live, p)
	}
	h.pages = kept
	return live, nil
}

func (h *Handle) NewPage(ctx context.Context) (automation.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.NewPageCalls++
	if h.NewPageErr != nil {
		return nil, h.NewPageErr
	}
	p := &Page{handle: h, url: "about:blank"}
	h.pages = append(h.pages, p)
	return p, nil
}

// PageCount returns the number of open pages without recording a call.
func (h *Handle) PageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.pages {
		if !p.Closed() {
			n++
		}
	}
	return n
}

// Page returns the i-th open page.
func (h *Handle) Page(i int) *Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.pages {
		if p.Closed() {
			continue
		}
		if n == i {
			return p
		}
		n++
	}
	return nil
}

func (h *Handle) Act(ctx context.Context, page automation.Page, req automation.ActRequest) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ActCalls++
	h.LastAct = req
	h.LastActPage = page
	if h.CapabilityErr != nil {
		return nil, h.CapabilityErr
	}
	entry := automation.HistoryEntry{Method: "act", Timestamp: time.Now(), Instruction: req.Instruction}
	if req.Action != nil {
		entry.Action = map[string]interface{}{"type": req.Action.Method, "selector": req.Action.Selector}
	}
	h.history = append(h.history, entry)
	return h.ActResult, nil
}

func (h *Handle) Observe(ctx context.Context, page automation.Page, req automation.ObserveRequest) ([]automation.Candidate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ObserveCalls++
	h.LastObserve = req
	if h.CapabilityErr != nil {
		return nil, h.CapabilityErr
	}
	return h.ObserveResult, nil
}

func (h *Handle) Extract(ctx context.Context, page automation.Page, req automation.ExtractRequest) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ExtractCalls++
	h.LastExtract = req
	if h.CapabilityErr != nil {
		return nil, h.CapabilityErr
	}
	return h.ExtractResult, nil
}

func (h *Handle) Agent(ctx context.Context, req automation.AgentRequest) (automation.AgentResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.AgentCalls++
	h.LastAgent = req
	if h.CapabilityErr != nil {
		return automation.AgentResult{}, h.CapabilityErr
	}
	return h.AgentResult, nil
}

// Record appends a history entry directly.
func (h *Handle) Record(entry automation.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, entry)
}

func (h *Handle) History() []automation.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]automation.HistoryEntry, len(h.history))
	copy(out, h.history)
	return out
}

func (h *Handle) Close() error {
	if h.BeforeClose != nil {
		h.BeforeClose()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle already closed")
	}
	h.closed = true
	for _, p := range h.pages {
		p.markClosed()
	}
	return nil
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Page is an in-memory automation.Page.
type Page struct {
	handle *Handle

	mu          sync.Mutex
	url         string
	closed      bool
	GotoErr     error
	Image       []byte
	LastShot    automation.ScreenshotOptions
	GotoCalls   int
	LastTimeout time.Duration
}

func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	p.GotoCalls++
	p.LastTimeout = timeout
	if p.GotoErr != nil {
		err := p.GotoErr
		p.mu.Unlock()
		return err
	}
	p.url = url
	p.mu.Unlock()

	p.handle.Record(automation.HistoryEntry{
		Method:    "goto",
		Timestamp: time.Now(),
		Action:    map[string]interface{}{"type": "goto", "url": url},
	})
	return nil
}

func (p *Page) Screenshot(ctx context.Context, opts automation.ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastShot = opts
	if p.Image != nil {
		return p.Image, nil
	}
	return []byte("fake-image"), nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("page already closed")
	}
	p.closed = true
	return nil
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
