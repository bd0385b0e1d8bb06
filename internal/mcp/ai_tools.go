package mcp

import (
	"context"
	"fmt"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/session"
)

// resolvePage locks the session only while the target page is chosen; the
// delegated call that follows runs unlocked.
func resolvePage(ctx context.Context, sess *session.Session, args map[string]interface{}) (automation.Page, error) {
	requested, err := getOptionalInt(args, "pageIndex")
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()
	page, _, err := session.Resolve(ctx, sess, requested, false)
	return page, err
}

// modelArg reads a model override from the top level or from options.
func modelArg(args map[string]interface{}) string {
	if m := getStringArg(args, "model"); m != "" {
		return m
	}
	if opts := getMapArg(args, "options"); opts != nil {
		return getStringArg(opts, "model")
	}
	return ""
}

// parseAction reads a deterministic action object. nil when absent.
func parseAction(args map[string]interface{}) (*automation.Candidate, error) {
	raw, present := args["action"]
	if !present || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errs.InvalidArgument("action must be an object")
	}
	c := &automation.Candidate{
		Selector:    getStringArg(m, "selector"),
		Description: getStringArg(m, "description"),
		Method:      getStringArg(m, "method"),
		Arguments:   getStringSliceArg(m, "arguments"),
	}
	if c.Method == "" {
		c.Method = getStringArg(m, "type")
	}
	if len(c.Arguments) == 0 {
		for _, key := range []string{"value", "key", "text"} {
			if v := getStringArg(m, key); v != "" {
				c.Arguments = []string{v}
				break
			}
		}
	}
	if c.Method == "" {
		return nil, errs.InvalidArgument("action.method is required")
	}
	return c, nil
}

func variablesArg(args map[string]interface{}) map[string]string {
	opts := getMapArg(args, "options")
	if opts == nil {
		return nil
	}
	raw := getMapArg(opts, "variables")
	if len(raw) == 0 {
		return nil
	}
	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		vars[k] = fmt.Sprintf("%v", v)
	}
	return vars
}

// ActTool performs one action, described in natural language or given
// explicitly.
type ActTool struct {
	registry *session.Registry
}

func (t *ActTool) Name() string { return "act" }
func (t *ActTool) Description() string {
	return `Perform a single action on the active page.

The instruction is interpreted by the model ("click the login button",
"type %email% into the email field"). Pass action to skip interpretation and
run a known selector/method directly, typically one returned by observe.

OPTIONS:
- timeout: milliseconds
- variables: values substituted for %name% placeholders
- model: model override (only when enabled)

Returns: the engine result, or {success, message}`
}
func (t *ActTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"instruction": map[string]interface{}{
				"type":        "string",
				"description": "What to do, in natural language",
			},
			"action": map[string]interface{}{
				"type":        "object",
				"description": "Deterministic action: {selector, method, arguments, description}",
				"properties": map[string]interface{}{
					"selector":    map[string]interface{}{"type": "string"},
					"method":      map[string]interface{}{"type": "string"},
					"arguments":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"description": map[string]interface{}{"type": "string"},
				},
			},
			"options": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"timeout":   map[string]interface{}{"type": "integer"},
					"variables": map[string]interface{}{"type": "object"},
					"model":     map[string]interface{}{"type": "string"},
				},
			},
			"pageIndex": pageIndexSchema,
			"sessionId": sessionIDSchema,
		},
		"required": []string{"instruction"},
	}
}
func (t *ActTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	instruction, err := requireInstruction(args)
	if err != nil {
		return nil, err
	}
	action, err := parseAction(args)
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

	page, err := resolvePage(ctx, sess, args)
	if err != nil {
		return nil, err
	}

	result, err := sess.Handle.Act(ctx, page, automation.ActRequest{
		Instruction: instruction,
		Action:      action,
		Timeout:     timeout,
		Variables:   variablesArg(args),
		Model:       modelArg(args),
	})
	if err != nil {
		return nil, errs.Engine("act", err)
	}
	if result == nil {
		return map[string]interface{}{"success": true, "message": "Action executed"}, nil
	}
	return result, nil
}

// ObserveTool lists actionable elements on the page.
type ObserveTool struct {
	registry *session.Registry
}

func (t *ObserveTool) Name() string { return "observe" }
func (t *ObserveTool) Description() string {
	return `Find actionable elements on the active page.

Without an instruction, returns every interactive element in page order.
options.selector and options.timeout override the top-level fields.
With one, returns the elements that match it, best match first. Each
candidate can be passed to act as its action.

Returns: [{selector, description, method, arguments}]`
}
func (t *ObserveTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"instruction": map[string]interface{}{
				"type":        "string",
				"description": "What to look for (optional)",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "Only search inside this CSS selector",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"description": "Milliseconds",
			},
			"options": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"selector": map[string]interface{}{"type": "string"},
					"timeout":  map[string]interface{}{"type": "integer"},
					"model":    map[string]interface{}{"type": "string"},
				},
			},
			"pageIndex": pageIndexSchema,
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *ObserveTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	instruction := getStringArg(args, "instruction")
	selector := getStringArg(args, "selector")
	model := getStringArg(args, "model")
	if opts := getMapArg(args, "options"); opts != nil {
		if s := getStringArg(opts, "selector"); s != "" {
			selector = s
		}
		if m := getStringArg(opts, "model"); m != "" {
			model = m
		}
	}
	timeout, err := optionsTimeoutArg(args)
	if err != nil {
		return nil, err
	}

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()

	page, err := resolvePage(ctx, sess, args)
	if err != nil {
		return nil, err
	}

	found, err := sess.Handle.Observe(ctx, page, automation.ObserveRequest{
		Instruction: instruction,
		Selector:    selector,
		Timeout:     timeout,
		Model:       model,
	})
	if err != nil {
		return nil, errs.Engine("observe", err)
	}
	if found == nil {
		found = []automation.Candidate{}
	}
	return found, nil
}

// ExtractTool pulls structured data out of the page.
type ExtractTool struct {
	registry *session.Registry
}

func (t *ExtractTool) Name() string { return "extract" }
func (t *ExtractTool) Description() string {
	return `Extract structured data from the active page.

Describe what to extract in instruction; pass a JSON schema to fix the shape
of the result. selector limits extraction to part of the page.

Returns: the extracted object`
}
func (t *ExtractTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"instruction": map[string]interface{}{
				"type":        "string",
				"description": "What to extract",
			},
			"schema": map[string]interface{}{
				"type":        "object",
				"description": "JSON schema of the expected result",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "Only read inside this CSS selector",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"description": "Milliseconds",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model override (only when enabled)",
			},
			"pageIndex": pageIndexSchema,
			"sessionId": sessionIDSchema,
		},
		"required": []string{"instruction"},
	}
}
func (t *ExtractTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	instruction, err := requireInstruction(args)
	if err != nil {
		return nil, err
	}
	var schema map[string]interface{}
	if raw, ok := args["schema"]; ok && raw != nil {
		if schema, ok = raw.(map[string]interface{}); !ok {
			return nil, errs.InvalidArgument("schema must be an object")
		}
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

	page, err := resolvePage(ctx, sess, args)
	if err != nil {
		return nil, err
	}

	result, err := sess.Handle.Extract(ctx, page, automation.ExtractRequest{
		Instruction: instruction,
		Schema:      schema,
		Selector:    getStringArg(args, "selector"),
		Timeout:     timeout,
		Model:       modelArg(args),
	})
	if err != nil {
		return nil, errs.Engine("extract", err)
	}
	return result, nil
}

// AgentTool runs a multi-step task against the session.
type AgentTool struct {
	registry *session.Registry
}

func (t *AgentTool) Name() string { return "agent" }
func (t *AgentTool) Description() string {
	return `Run an autonomous multi-step task in this session.

The agent observes the page, acts, and repeats until the task is done or
maxSteps is reached. Use act/observe for single steps.

Returns: {message, completed, steps}`
}
func (t *AgentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"instruction": map[string]interface{}{
				"type":        "string",
				"description": "The task to complete (empty runs an empty task)",
			},
			"maxSteps": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"description": "Step budget (default from config, capped at 50)",
			},
			"cua": map[string]interface{}{
				"type":        "boolean",
				"description": "Request computer-use mode",
			},
			"model":          map[string]interface{}{"type": "string", "description": "Planning model override (only when enabled)"},
			"executionModel": map[string]interface{}{"type": "string", "description": "Execution model override (only when enabled)"},
			"systemPrompt":   map[string]interface{}{"type": "string", "description": "Extra instructions for the agent"},
			"integrations": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"sessionId": sessionIDSchema,
		},
	}
}
func (t *AgentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	// A missing instruction runs the agent on an empty task.
	instruction, _ := args["instruction"].(string)
	maxSteps, err := getOptionalInt(args, "maxSteps")
	if err != nil {
		return nil, err
	}
	req := automation.AgentRequest{
		Instruction:    instruction,
		Model:          getStringArg(args, "model"),
		ExecutionModel: getStringArg(args, "executionModel"),
		SystemPrompt:   getStringArg(args, "systemPrompt"),
		CUA:            getBoolArg(args, "cua", false),
		Integrations:   getStringSliceArg(args, "integrations"),
	}
	if maxSteps != nil {
		if *maxSteps < 1 {
			return nil, errs.InvalidArgument("maxSteps must be at least 1")
		}
		req.MaxSteps = *maxSteps
	}

	sess, release, err := acquire(ctx, t.registry)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := sess.Handle.Agent(ctx, req)
	if err != nil {
		return nil, errs.Engine("agent", err)
	}
	if result.Message == "" {
		result.Message = "Agent finished"
	}
	return map[string]interface{}{
		"message":   result.Message,
		"completed": result.Completed,
		"steps":     result.Steps,
	}, nil
}
