package browser

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/history"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Handle is one incognito browser context and its ordered pages.
type Handle struct {
	m         *Manager
	sessionID string
	context   *rod.Browser
	steps     *history.Log

	mu    sync.Mutex
	pages []*Page
}

var _ automation.Handle = (*Handle)(nil)

func newHandle(m *Manager, sessionID string, incognito *rod.Browser, steps *history.Log) *Handle {
	return &Handle{m: m, sessionID: sessionID, context: incognito, steps: steps}
}

// Pages drops pages whose targets no longer exist and returns the rest in
// creation order.
func (h *Handle) Pages(ctx context.Context) ([]automation.Page, error) {
	res, err := proto.TargetGetTargets{}.Call(h.context.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	live := make(map[proto.TargetTargetID]bool, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		live[info.TargetID] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.pages[:0]
	for _, p := range h.pages {
		if !p.closed && live[p.page.TargetID] {
			kept = append(kept, p)
		}
	}
	h.pages = kept

	out := make([]automation.Page, len(h.pages))
	for i, p := range h.pages {
		out[i] = p
	}
	return out, nil
}

// NewPage opens about:blank with the configured viewport and appends it.
func (h *Handle) NewPage(ctx context.Context) (automation.Page, error) {
	rp, err := h.context.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	// Detach from the request context so later calls are not cancelled by it.
	rp = rp.Context(h.m.ctx)

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             h.m.cfg.GetViewportWidth(),
		Height:            h.m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(rp); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	p := &Page{h: h, page: rp}
	h.mu.Lock()
	h.pages = append(h.pages, p)
	h.mu.Unlock()
	return p, nil
}

// History returns the steps recorded for this handle's session.
func (h *Handle) History() []automation.HistoryEntry {
	if h.steps == nil {
		return nil
	}
	return h.steps.Entries()
}

func (h *Handle) record(method, instruction string, action map[string]interface{}) {
	if h.steps == nil {
		return
	}
	h.steps.Append(automation.HistoryEntry{
		Method:      method,
		Timestamp:   time.Now().UTC(),
		Instruction: instruction,
		Action:      action,
	})
}

// Close disposes of the incognito context, which closes all its pages.
func (h *Handle) Close() error {
	h.mu.Lock()
	for _, p := range h.pages {
		p.closed = true
	}
	h.pages = nil
	h.mu.Unlock()

	if err := h.context.Close(); err != nil {
		return fmt.Errorf("close browser context: %w", err)
	}
	return nil
}

// asPage unwraps a page handed back by the tool layer.
func (h *Handle) asPage(page automation.Page) (*Page, error) {
	p, ok := page.(*Page)
	if !ok || p.h != h {
		return nil, fmt.Errorf("page does not belong to session %s", h.sessionID)
	}
	return p, nil
}

// lastPage is the page the agent drives: the most recently opened one,
// created on demand.
func (h *Handle) lastPage(ctx context.Context) (*Page, error) {
	pages, err := h.Pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(pages) > 0 {
		return pages[len(pages)-1].(*Page), nil
	}
	p, err := h.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return p.(*Page), nil
}
