package session

import (
	"context"
	"errors"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/errs"
)

var errPageVanished = errors.New("new page closed before it could be selected")

// Resolve picks the page a call targets. The session must be locked.
//
// An explicit index must name an existing page, allowCreate or not. Without
// one the active page is used; when the session has no pages, allowCreate
// opens one and makes it active, otherwise the call fails NoActivePage. The
// page list is always read live from the handle.
func Resolve(ctx context.Context, s *Session, requested *int, allowCreate bool) (automation.Page, int, error) {
	pages, err := s.Handle.Pages(ctx)
	if err != nil {
		return nil, 0, errs.Engine("list pages", err)
	}

	if requested != nil {
		idx := *requested
		if idx < 0 || idx >= len(pages) {
			return nil, 0, errs.InvalidIndex(idx)
		}
		return pages[idx], idx, nil
	}

	if len(pages) > 0 {
		idx := ClampIndex(s.activePageIndex, len(pages))
		s.activePageIndex = idx
		return pages[idx], idx, nil
	}

	if !allowCreate {
		return nil, 0, errs.NoActivePage()
	}
	return CreatePage(ctx, s)
}

// CreatePage opens a page, re-reads the page list and makes the new page
// active. The session must be locked.
func CreatePage(ctx context.Context, s *Session) (automation.Page, int, error) {
	created, err := s.Handle.NewPage(ctx)
	if err != nil {
		return nil, 0, errs.Engine("create page", err)
	}
	pages, err := s.Handle.Pages(ctx)
	if err != nil {
		return nil, 0, errs.Engine("list pages", err)
	}

	idx := len(pages) - 1
	for i, p := range pages {
		if p == created {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, 0, errs.Engine("create page", errPageVanished)
	}
	s.activePageIndex = idx
	return pages[idx], idx, nil
}

// ClampIndex returns i limited to [0, count-1], or 0 when count is zero.
func ClampIndex(i, count int) int {
	if count <= 0 || i < 0 {
		return 0
	}
	if i >= count {
		return count - 1
	}
	return i
}
