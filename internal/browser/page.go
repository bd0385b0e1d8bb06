package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/automation"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Page is one tab inside a Handle.
type Page struct {
	h      *Handle
	page   *rod.Page
	closed bool // guarded by h.mu
}

var _ automation.Page = (*Page)(nil)

// Goto navigates and waits for the load event. A zero timeout uses the
// configured navigation default.
func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.h.m.cfg.NavigationTimeout()
	}
	rp := p.page.Context(ctx).Timeout(timeout)
	if err := rp.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := rp.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load of %s: %w", url, err)
	}
	p.h.record("goto", "", map[string]interface{}{"type": "goto", "url": url})
	return nil
}

func (p *Page) Screenshot(ctx context.Context, opts automation.ScreenshotOptions) ([]byte, error) {
	req := captureRequest(opts)
	data, err := p.page.Context(ctx).Timeout(p.h.m.cfg.ActionTimeout()).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

// captureRequest maps screenshot options onto the CDP request.
func captureRequest(opts automation.ScreenshotOptions) *proto.PageCaptureScreenshot {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if strings.EqualFold(opts.Format, automation.FormatJPEG) {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if opts.Quality > 0 {
			q := opts.Quality
			if q > 100 {
				q = 100
			}
			req.Quality = &q
		}
	}
	if c := opts.Clip; c != nil && c.Width > 0 && c.Height > 0 {
		req.Clip = &proto.PageViewport{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height, Scale: 1}
	}
	return req
}

func (p *Page) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Close closes the tab and removes it from the handle's page set. A tab
// that fails to close stays in the set.
func (p *Page) Close() error {
	return p.closeWith(func() error { return p.page.Close() })
}

func (p *Page) closeWith(closeTab func() error) error {
	p.h.mu.Lock()
	closed := p.closed
	p.h.mu.Unlock()
	if closed {
		return nil
	}

	if err := closeTab(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}

	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	p.closed = true
	for i, other := range p.h.pages {
		if other == p {
			p.h.pages = append(p.h.pages[:i], p.h.pages[i+1:]...)
			break
		}
	}
	return nil
}

// scoped returns the rod page bound to ctx and timeout, falling back to the
// configured action timeout.
func (p *Page) scoped(ctx context.Context, timeout time.Duration) *rod.Page {
	if timeout <= 0 {
		timeout = p.h.m.cfg.ActionTimeout()
	}
	return p.page.Context(ctx).Timeout(timeout)
}
