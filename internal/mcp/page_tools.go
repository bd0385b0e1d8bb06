package mcp

import (
	"context"

	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/session"
)

var pageIndexSchema = map[string]interface{}{
	"type":        "integer",
	"minimum":     0,
	"description": "Target page index. Ignored unless multi-page mode is enabled; defaults to the active page.",
}

var sessionIDSchema = map[string]interface{}{
	"type":        "string",
	"description": "Optional session id. Defaults to the MCP client session.",
}

func acquire(ctx context.Context, reg *session.Registry) (*session.Session, func(), error) {
	return reg.Acquire(ctx, sessionIDFrom(ctx))
}

// NewPageTool opens a page and makes it active.
type NewPageTool struct {
	registry *session.Registry
}

func (t *NewPageTool) Name() string { return "new_page" }
func (t *NewPageTool) Description() string {
	return `Open a new browser page (tab) in this session and make it the active page.

Optionally navigates the new page to url.

Returns: {message, index, totalPages}`
}
func (t *NewPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to open in the new page",
			},
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *NewPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.Lock()
	defer sess.Unlock()

	page, idx, err := session.CreatePage(ctx, sess)
	if err != nil {
		return nil, err
	}
	if url != "" {
		if err := page.Goto(ctx, url, 0); err != nil {
			return nil, errs.Engine("goto", err)
		}
	}

	pages, err := sess.Handle.Pages(ctx)
	if err != nil {
		return nil, errs.Engine("list pages", err)
	}
	return map[string]interface{}{
		"message":    "New page created",
		"index":      idx,
		"totalPages": len(pages),
	}, nil
}

// ListPagesTool reports the session's pages without changing anything.
type ListPagesTool struct {
	registry *session.Registry
}

func (t *ListPagesTool) Name() string { return "list_pages" }
func (t *ListPagesTool) Description() string {
	return "List the open pages of this session and the active page index. Returns: {total, indices, activeIndex}"
}
func (t *ListPagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *ListPagesTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.Lock()
	defer sess.Unlock()

	pages, err := sess.Handle.Pages(ctx)
	if err != nil {
		return nil, errs.Engine("list pages", err)
	}
	indices := make([]int, len(pages))
	for i := range pages {
		indices[i] = i
	}
	return map[string]interface{}{
		"total":       len(pages),
		"indices":     indices,
		"activeIndex": session.ClampIndex(sess.ActivePageIndex(), len(pages)),
	}, nil
}

// SetActivePageTool selects the page later calls target by default.
type SetActivePageTool struct {
	registry *session.Registry
}

func (t *SetActivePageTool) Name() string { return "set_active_page" }
func (t *SetActivePageTool) Description() string {
	return `Make the page at pageIndex the active page for this session.

Fails with InvalidIndex when no page has that index.

Returns: {message, activeIndex}`
}
func (t *SetActivePageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pageIndex": map[string]interface{}{
				"type":        "integer",
				"minimum":     0,
				"description": "Index of the page to activate (alias: index)",
			},
			"sessionId": sessionIDSchema,
		},
		"required": []string{"pageIndex"},
	}
}
func (t *SetActivePageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	idx, err := getOptionalInt(args, "pageIndex")
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, errs.InvalidArgument("pageIndex is required")
	}

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.Lock()
	defer sess.Unlock()

	pages, err := sess.Handle.Pages(ctx)
	if err != nil {
		return nil, errs.Engine("list pages", err)
	}
	if *idx < 0 || *idx >= len(pages) {
		return nil, errs.InvalidIndex(*idx)
	}
	sess.SetActivePageIndex(*idx)
	return map[string]interface{}{
		"message":     "Active page updated",
		"activeIndex": *idx,
	}, nil
}

// GotoTool navigates a page, opening one when the session has none.
type GotoTool struct {
	registry *session.Registry
}

func (t *GotoTool) Name() string { return "goto" }
func (t *GotoTool) Description() string {
	return `Navigate to a URL.

Targets the active page (or pageIndex in multi-page mode). When the session
has no page yet, one is created. The navigated page becomes active.

Returns: {message, url, pageIndex}`
}
func (t *GotoTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"description": "Navigation timeout in milliseconds",
			},
			"pageIndex": pageIndexSchema,
			"sessionId": sessionIDSchema,
		},
		"required": []string{"url"},
	}
}
func (t *GotoTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, errs.InvalidArgument("url is required")
	}
	requested, err := getOptionalInt(args, "pageIndex")
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutArg(args)
	if err != nil {
		return nil, err
	}

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.Lock()
	defer sess.Unlock()

	page, idx, err := session.Resolve(ctx, sess, requested, true)
	if err != nil {
		return nil, err
	}
	if err := page.Goto(ctx, url, timeout); err != nil {
		return nil, errs.Engine("goto", err)
	}
	sess.SetActivePageIndex(idx)
	return map[string]interface{}{
		"message":   "Navigated",
		"url":       url,
		"pageIndex": idx,
	}, nil
}

// ClosePageTool closes a page and re-clamps the active index.
type ClosePageTool struct {
	registry *session.Registry
}

func (t *ClosePageTool) Name() string { return "close_page" }
func (t *ClosePageTool) Description() string {
	return `Close the active page (or pageIndex in multi-page mode).

Closing when no page is open is not an error; the result says so.

Returns: {message, closedIndex, remaining, activeIndex}`
}
func (t *ClosePageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pageIndex": pageIndexSchema,
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *ClosePageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	requested, err := getOptionalInt(args, "pageIndex")
	if err != nil {
		return nil, err
	}

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()
	sess.Lock()
	defer sess.Unlock()

	page, idx, err := session.Resolve(ctx, sess, requested, false)
	if errs.Is(err, errs.KindNoActivePage) {
		return map[string]interface{}{
			"message":     "No active page to close",
			"remaining":   0,
			"activeIndex": session.ClampIndex(sess.ActivePageIndex(), 0),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := page.Close(); err != nil {
		return nil, errs.Engine("close page", err)
	}
	pages, err := sess.Handle.Pages(ctx)
	if err != nil {
		return nil, errs.Engine("list pages", err)
	}
	active := session.ClampIndex(sess.ActivePageIndex(), len(pages))
	sess.SetActivePageIndex(active)

	return map[string]interface{}{
		"message":     "Page closed",
		"closedIndex": idx,
		"remaining":   len(pages),
		"activeIndex": active,
	}, nil
}
