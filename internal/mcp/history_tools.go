package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/history"
	"pagepilot-mcp-server/internal/script"
	"pagepilot-mcp-server/internal/session"
)

// sessionHistory reads the steps of the caller's session. Reading never
// creates a session.
func sessionHistory(ctx context.Context, reg *session.Registry, store *history.Store) []automation.HistoryEntry {
	id := sessionIDFrom(ctx)
	if sess, ok := reg.Get(id); ok {
		return sess.Handle.History()
	}
	if store != nil {
		return store.Entries(id)
	}
	return nil
}

// GenerateScriptTool renders the session history as a Playwright test.
type GenerateScriptTool struct {
	registry *session.Registry
	history  *history.Store
}

func (t *GenerateScriptTool) Name() string { return "generate_script" }
func (t *GenerateScriptTool) Description() string {
	return `Generate a Playwright test script that replays this session's history.

Steps without a direct Playwright equivalent are kept as comments.

Returns: the script text`
}
func (t *GenerateScriptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"testName": map[string]interface{}{
				"type":        "string",
				"description": "Name of the generated test (default: " + script.DefaultTestName + ")",
			},
			"includeComments": map[string]interface{}{
				"type":        "boolean",
				"description": "Precede each statement with its instruction (default true)",
			},
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *GenerateScriptTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	steps := sessionHistory(ctx, t.registry, t.history)
	return script.Generate(steps, script.Options{
		TestName:        getStringArg(args, "testName"),
		IncludeComments: getBoolArg(args, "includeComments", true),
	}), nil
}

// GetHistoryTool returns the executed steps of the session.
type GetHistoryTool struct {
	registry *session.Registry
	history  *history.Store
}

func (t *GetHistoryTool) Name() string { return "get_history" }
func (t *GetHistoryTool) Description() string {
	return `Return the steps executed in this session, oldest first.

includeActions adds the concrete browser action of each step. summarize
returns a short text listing instead of JSON.

Returns: {count, entries} or summary text`
}
func (t *GetHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"includeActions": map[string]interface{}{"type": "boolean"},
			"summarize":      map[string]interface{}{"type": "boolean"},
			"sessionId":      sessionIDSchema,
		},
	}
}
func (t *GetHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	steps := sessionHistory(ctx, t.registry, t.history)
	if getBoolArg(args, "summarize", false) {
		return summarizeHistory(steps), nil
	}
	return historyPayload(steps, getBoolArg(args, "includeActions", false)), nil
}

func historyPayload(steps []automation.HistoryEntry, includeActions bool) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(steps))
	for i, step := range steps {
		entry := map[string]interface{}{
			"index":     i + 1,
			"method":    step.Method,
			"timestamp": step.Timestamp.Format(time.RFC3339Nano),
		}
		if step.Instruction != "" {
			entry["instruction"] = step.Instruction
		}
		if includeActions && step.Action != nil {
			entry["action"] = step.Action
		}
		entries = append(entries, entry)
	}
	return map[string]interface{}{"count": len(steps), "entries": entries}
}

func summarizeHistory(steps []automation.HistoryEntry) string {
	lines := make([]string, 0, len(steps)+1)
	lines = append(lines, fmt.Sprintf("Total steps: %d", len(steps)))
	for i, step := range steps {
		line := fmt.Sprintf("%d. %s - %s", i+1, step.Method, step.Timestamp.Format(time.RFC3339))
		if step.Instruction != "" {
			line += ": " + step.Instruction
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// CloseSessionTool tears down a session and its browser context.
type CloseSessionTool struct {
	registry *session.Registry
}

func (t *CloseSessionTool) Name() string { return "close_session" }
func (t *CloseSessionTool) Description() string {
	return `Close this session (or sessionId): its pages, browser context and history are discarded.

The next call with the same session id starts a fresh session.

Returns: {message, sessionId, closed}`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *CloseSessionTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id := sessionIDFrom(ctx)
	closed, err := t.registry.Close(id)
	if err != nil {
		return nil, errs.Engine("close session", err)
	}
	msg := "Session closed"
	if !closed {
		msg = "No such session"
	}
	return map[string]interface{}{
		"message":   msg,
		"sessionId": id,
		"closed":    closed,
	}, nil
}
