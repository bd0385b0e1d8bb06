package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/llm"
)

var errNoModel = errors.New("no language model configured")

const observeSystem = `You map a user's instruction onto interactive elements of a web page.
Reply with a JSON object {"elements":[{"index":<number>,"description":<string>,"method":<string>,"arguments":[<string>...]}]}.
Use only indices from the list. Order the elements from best to worst match.
method is one of click, fill, type, press, scroll, selectOption, hover.`

const extractSystem = `You extract structured data from the text of a web page.
Reply with a single JSON object. When a JSON schema is given, the object must conform to it.`

const agentSystem = `You operate a web browser one step at a time to complete a task.
Reply with a JSON object {"done":<bool>,"message":<string>,"action":{"index":<number>,"method":<string>,"arguments":[<string>...]}}.
Set done to true with a final message once the task is complete or impossible; omit action then.
To open a URL use {"method":"goto","arguments":["<url>"]} without an index.`

func (h *Handle) model(name string) (llm.Completer, error) {
	if h.m.models == nil {
		return nil, errNoModel
	}
	c, err := h.m.models.For(name)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Observe lists actionable elements. Without an instruction it returns the
// whole listing in DOM order; otherwise the model picks and ranks them.
func (h *Handle) Observe(ctx context.Context, page automation.Page, req automation.ObserveRequest) ([]automation.Candidate, error) {
	p, err := h.asPage(page)
	if err != nil {
		return nil, err
	}
	elems, err := p.discover(ctx, req.Selector, req.Timeout)
	if err != nil {
		return nil, err
	}

	var out []automation.Candidate
	if strings.TrimSpace(req.Instruction) == "" {
		out = candidates(elems)
	} else {
		out, err = h.rank(ctx, req.Model, req.Instruction, elems)
		if err != nil {
			return nil, err
		}
	}
	h.record("observe", req.Instruction, nil)
	return out, nil
}

func (h *Handle) rank(ctx context.Context, model, instruction string, elems []element) ([]automation.Candidate, error) {
	if len(elems) == 0 {
		return []automation.Candidate{}, nil
	}
	c, err := h.model(model)
	if err != nil {
		return nil, err
	}
	var resp observeResponse
	if err := c.CompleteJSON(ctx, observeSystem, observePrompt(instruction, elems), &resp); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	return resp.candidates(elems), nil
}

type observeResponse struct {
	Elements []observePick `json:"elements"`
}

type observePick struct {
	Index       int      `json:"index"`
	Description string   `json:"description"`
	Method      string   `json:"method"`
	Arguments   []string `json:"arguments"`
}

// candidates resolves model-chosen indices against the listing, keeping the
// model's order and skipping indices it invented.
func (r observeResponse) candidates(elems []element) []automation.Candidate {
	out := make([]automation.Candidate, 0, len(r.Elements))
	for _, e := range r.Elements {
		if e.Index < 0 || e.Index >= len(elems) {
			continue
		}
		src := elems[e.Index]
		desc := e.Description
		if desc == "" {
			desc = describe(src)
		}
		method := e.Method
		if method == "" {
			method = src.Action
		}
		out = append(out, automation.Candidate{
			Selector:    src.Selector,
			Description: desc,
			Method:      normalizeMethod(method),
			Arguments:   e.Arguments,
		})
	}
	return out
}

func observePrompt(instruction string, elems []element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\nInteractive elements:\n", instruction)
	writeElements(&b, elems)
	return b.String()
}

func writeElements(b *strings.Builder, elems []element) {
	for i, e := range elems {
		fmt.Fprintf(b, "[%d] %s", i, describe(e))
		if e.Value != "" {
			fmt.Fprintf(b, " (value %q)", e.Value)
		}
		if !e.Enabled {
			b.WriteString(" (disabled)")
		}
		b.WriteString("\n")
	}
}

// Act executes req.Action directly when present; otherwise it observes with
// the instruction and performs the best candidate.
func (h *Handle) Act(ctx context.Context, page automation.Page, req automation.ActRequest) (interface{}, error) {
	p, err := h.asPage(page)
	if err != nil {
		return nil, err
	}

	candidate := req.Action
	if candidate == nil {
		elems, err := p.discover(ctx, "", req.Timeout)
		if err != nil {
			return nil, err
		}
		ranked, err := h.rank(ctx, req.Model, substitute(req.Instruction, req.Variables), elems)
		if err != nil {
			return nil, err
		}
		if len(ranked) == 0 {
			return nil, fmt.Errorf("no element matches %q", req.Instruction)
		}
		candidate = &ranked[0]
	}

	action, err := p.perform(ctx, *candidate, req.Variables, req.Timeout, req.Instruction)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Action %s performed", action["type"]),
		"action":  action,
	}, nil
}

// Extract sends the page text to the model and returns its JSON answer.
func (h *Handle) Extract(ctx context.Context, page automation.Page, req automation.ExtractRequest) (interface{}, error) {
	p, err := h.asPage(page)
	if err != nil {
		return nil, err
	}
	c, err := h.model(req.Model)
	if err != nil {
		return nil, err
	}
	text, err := p.text(ctx, req.Selector, req.Timeout)
	if err != nil {
		return nil, err
	}
	prompt, err := extractPrompt(req.Instruction, req.Schema, text)
	if err != nil {
		return nil, err
	}

	var out interface{}
	if err := c.CompleteJSON(ctx, extractSystem, prompt, &out); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	h.record("extract", req.Instruction, nil)
	return out, nil
}

func extractPrompt(instruction string, schema map[string]interface{}, text string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n", instruction)
	if len(schema) > 0 {
		raw, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("encode schema: %w", err)
		}
		fmt.Fprintf(&b, "JSON schema: %s\n", raw)
	}
	fmt.Fprintf(&b, "\nPage text:\n%s\n", text)
	return b.String(), nil
}

type agentStep struct {
	Done    bool   `json:"done"`
	Message string `json:"message"`
	Action  *struct {
		Index     *int     `json:"index"`
		Method    string   `json:"method"`
		Arguments []string `json:"arguments"`
	} `json:"action"`
}

// Agent drives the most recently opened page until the model reports done or
// the step budget runs out.
func (h *Handle) Agent(ctx context.Context, req automation.AgentRequest) (automation.AgentResult, error) {
	if req.CUA || len(req.Integrations) > 0 {
		log.Printf("agent: session %s requested cua=%v integrations=%v; running the DOM agent", h.sessionID, req.CUA, req.Integrations)
	}
	maxSteps := agentBudget(req.MaxSteps, h.m.agentCfg)

	model := req.ExecutionModel
	if model == "" {
		model = req.Model
	}
	c, err := h.model(model)
	if err != nil {
		return automation.AgentResult{}, err
	}
	p, err := h.lastPage(ctx)
	if err != nil {
		return automation.AgentResult{}, err
	}

	system := agentSystem
	if req.SystemPrompt != "" {
		system = req.SystemPrompt + "\n\n" + agentSystem
	}

	var done []string
	result := automation.AgentResult{}
	for result.Steps < maxSteps {
		elems, err := p.discover(ctx, "", 0)
		if err != nil {
			return result, err
		}

		var step agentStep
		if err := c.CompleteJSON(ctx, system, agentPrompt(req.Instruction, p.URL(), done, elems), &step); err != nil {
			return result, fmt.Errorf("agent step %d: %w", result.Steps+1, err)
		}
		if step.Done || step.Action == nil {
			result.Completed = step.Done
			result.Message = step.Message
			break
		}

		result.Steps++
		summary, err := h.agentAct(ctx, p, step, elems)
		if err != nil {
			done = append(done, fmt.Sprintf("%s failed: %v", step.Action.Method, err))
			continue
		}
		done = append(done, summary)
	}

	if result.Message == "" {
		if result.Completed {
			result.Message = "Agent finished"
		} else {
			result.Message = fmt.Sprintf("Agent stopped after %d steps", result.Steps)
		}
	}
	h.record("agent", req.Instruction, nil)
	return result, nil
}

func (h *Handle) agentAct(ctx context.Context, p *Page, step agentStep, elems []element) (string, error) {
	a := step.Action
	if strings.EqualFold(a.Method, "goto") {
		url := firstArg(a.Arguments)
		if url == "" {
			return "", errors.New("goto without url")
		}
		if err := p.Goto(ctx, url, 0); err != nil {
			return "", err
		}
		return "goto " + url, nil
	}
	if a.Index == nil || *a.Index < 0 || *a.Index >= len(elems) {
		return "", fmt.Errorf("element index out of range")
	}
	target := elems[*a.Index]
	c := automation.Candidate{Selector: target.Selector, Method: a.Method, Arguments: a.Arguments}
	if _, err := p.perform(ctx, c, nil, 0, step.Message); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s on [%d] %s", normalizeMethod(a.Method), *a.Index, describe(target)), nil
}

func agentBudget(requested int, cfg config.AgentConfig) int {
	if requested <= 0 {
		return cfg.GetDefaultMaxSteps()
	}
	if requested > config.MaxAgentSteps {
		return config.MaxAgentSteps
	}
	return requested
}

func agentPrompt(task, url string, done []string, elems []element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nCurrent URL: %s\n", task, url)
	if len(done) > 0 {
		b.WriteString("\nSteps so far:\n")
		for i, s := range done {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	b.WriteString("\nInteractive elements:\n")
	writeElements(&b, elems)
	return b.String()
}
