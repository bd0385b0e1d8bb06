package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"pagepilot://about",
			"PagePilot About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, enabled gates and the tool catalogue."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"pagepilot://sessions/{id}/history",
			"Session History",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Executed steps of one session, with their browser actions."),
		),
		s.handleSessionHistoryResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"gates": map[string]bool{
			"model_override": s.gates.ModelOverride,
			"multi_page":     s.gates.MultiPage,
		},
		"tools":           s.ToolNames(),
		"active_sessions": s.registry.Len(),
		"notes": []string{
			"Every tool works on the caller's session; pass sessionId to address another one.",
			"Open a page with new_page or goto before page-scoped tools.",
			"Screenshots returned by URL are served from the local asset server.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleSessionHistoryResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := argString(request.Params.Arguments["id"])
	if id == "" {
		return nil, fmt.Errorf("missing session id")
	}
	steps := sessionHistory(withSessionID(ctx, id), s.registry, s.history)

	payload := historyPayload(steps, true)
	payload["session_id"] = id
	return jsonResource(request.Params.URI, payload)
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
