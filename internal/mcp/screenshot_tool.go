package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"pagepilot-mcp-server/internal/assets"
	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/session"
)

var errAssetsUnavailable = errors.New("asset publisher not configured")

const (
	returnModeURL    = "url"
	returnModeBase64 = "base64"
)

// ScreenshotTool captures a page and returns it by URL or inline.
type ScreenshotTool struct {
	registry *session.Registry
	assets   *assets.Publisher
}

func (t *ScreenshotTool) Name() string { return "screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture a screenshot of the active page (or pageIndex in multi-page mode).

RETURN MODES:
- url (default): the image is saved and served by the local asset server
- base64: the image is returned inline as a data URL

Fails with NoActivePage when the session has no page; it never opens one.

Returns: {url, pageIndex} or {dataURL, pageIndex}`
}
func (t *ScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pageIndex": pageIndexSchema,
			"fullPage": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scrollable page",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"png", "jpeg"},
				"description": "Image format (alias: type). Default png",
			},
			"quality": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     100,
				"description": "JPEG quality; ignored for png",
			},
			"clip": map[string]interface{}{
				"type":        "object",
				"description": "Region to capture",
				"properties": map[string]interface{}{
					"x":      map[string]interface{}{"type": "number"},
					"y":      map[string]interface{}{"type": "number"},
					"width":  map[string]interface{}{"type": "number"},
					"height": map[string]interface{}{"type": "number"},
				},
			},
			"returnMode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{returnModeURL, returnModeBase64},
				"description": "How the image is returned. Default url",
			},
			"sessionId": sessionIDSchema,
		},
	}
}

// screenshotRequest is the validated form of the tool input.
type screenshotRequest struct {
	requested  *int
	returnMode string
	opts       automation.ScreenshotOptions
}

func parseScreenshotArgs(args map[string]interface{}) (screenshotRequest, error) {
	var req screenshotRequest
	var err error
	if req.requested, err = getOptionalInt(args, "pageIndex"); err != nil {
		return req, err
	}

	format := strings.ToLower(getStringArg(args, "format"))
	switch format {
	case "", "png":
		format = automation.FormatPNG
	case "jpeg", "jpg":
		format = automation.FormatJPEG
	default:
		return req, errs.InvalidArgument("format must be png or jpeg, got %q", format)
	}

	quality, err := getOptionalInt(args, "quality")
	if err != nil {
		return req, err
	}
	if quality != nil && format == automation.FormatJPEG {
		if *quality < 1 || *quality > 100 {
			return req, errs.InvalidArgument("quality must be between 1 and 100")
		}
		req.opts.Quality = *quality
	}

	if c := getMapArg(args, "clip"); c != nil {
		clip := &automation.Clip{}
		var ok [4]bool
		clip.X, ok[0] = getFloatArg(c, "x")
		clip.Y, ok[1] = getFloatArg(c, "y")
		clip.Width, ok[2] = getFloatArg(c, "width")
		clip.Height, ok[3] = getFloatArg(c, "height")
		if !ok[0] || !ok[1] || !ok[2] || !ok[3] || clip.Width <= 0 || clip.Height <= 0 {
			return req, errs.InvalidArgument("clip needs numeric x, y and positive width, height")
		}
		req.opts.Clip = clip
	}

	req.returnMode = strings.ToLower(getStringArg(args, "returnMode"))
	switch req.returnMode {
	case "":
		req.returnMode = returnModeURL
	case returnModeURL, returnModeBase64:
	default:
		return req, errs.InvalidArgument("returnMode must be url or base64, got %q", req.returnMode)
	}

	req.opts.Format = format
	req.opts.FullPage = getBoolArg(args, "fullPage", false)
	return req, nil
}

func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req, err := parseScreenshotArgs(args)
	if err != nil {
		return nil, err
	}

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()

	sess.Lock()
	page, idx, err := session.Resolve(ctx, sess, req.requested, false)
	sess.Unlock()
	if err != nil {
		return nil, err
	}

	if req.returnMode == returnModeURL {
		if t.assets == nil {
			return nil, errs.Engine("publish screenshot", errAssetsUnavailable)
		}
		if err := t.assets.EnsureServer(); err != nil {
			return nil, errs.Engine("start asset server", err)
		}
		if err := t.assets.EnsureDirs(); err != nil {
			return nil, errs.Engine("prepare asset dirs", err)
		}
	}

	data, err := page.Screenshot(ctx, req.opts)
	if err != nil {
		return nil, errs.Engine("screenshot", err)
	}

	if req.returnMode == returnModeBase64 {
		mime := "image/png"
		if req.opts.Format == automation.FormatJPEG {
			mime = "image/jpeg"
		}
		return map[string]interface{}{
			"dataURL":   "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
			"pageIndex": idx,
		}, nil
	}

	_, url, err := t.assets.Save(req.opts.Format, data)
	if err != nil {
		return nil, errs.Engine("save screenshot", err)
	}
	return map[string]interface{}{
		"url":       url,
		"pageIndex": idx,
	}, nil
}
