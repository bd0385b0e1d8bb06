package mcp

import (
	"context"
	"strings"

	"pagepilot-mcp-server/internal/session"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

type sessionIDKey struct{}

// resolveSessionID picks the session a call belongs to: an explicit
// sessionId argument, then the MCP client session, then the default.
func resolveSessionID(ctx context.Context, args map[string]interface{}) string {
	if id, ok := args["sessionId"].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if cs := mcpserver.ClientSessionFromContext(ctx); cs != nil {
		if id := cs.SessionID(); id != "" {
			return id
		}
	}
	return session.DefaultID
}

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok && id != "" {
		return id
	}
	return session.DefaultID
}

// modelFields are dropped when model overrides are disabled.
var modelFields = []string{"model", "executionModel"}

// applyGates removes arguments the startup gates disable and reports what
// was dropped. set_active_page keeps its index: there it is the operation's
// subject, not a targeting hint.
func applyGates(tool string, args map[string]interface{}, g Gates) []string {
	var ignored []string

	if !g.MultiPage && tool != "set_active_page" {
		if _, ok := args["pageIndex"]; ok {
			delete(args, "pageIndex")
			ignored = append(ignored, "pageIndex")
		}
	}

	if !g.ModelOverride {
		for _, f := range modelFields {
			if _, ok := args[f]; ok {
				delete(args, f)
				ignored = append(ignored, f)
			}
		}
		if opts, ok := args["options"].(map[string]interface{}); ok {
			var copied map[string]interface{}
			for _, f := range modelFields {
				if _, ok := opts[f]; !ok {
					continue
				}
				if copied == nil {
					copied = make(map[string]interface{}, len(opts))
					for k, v := range opts {
						copied[k] = v
					}
				}
				delete(copied, f)
				ignored = append(ignored, "options."+f)
			}
			if copied != nil {
				args["options"] = copied
			}
		}
	}
	return ignored
}
