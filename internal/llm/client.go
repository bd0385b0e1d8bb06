package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pagepilot-mcp-server/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// Completer is the capability the automation engine needs from a provider.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user string, out interface{}) error
}

// Client is a Completer bound to one provider and model.
type Client struct {
	kind        ProviderKind
	model       string
	apiKeyEnv   string
	hasKey      bool
	temperature float32
	client      *openai.Client
}

// NewClient builds a client for model. baseURL and apiKeyEnv override the
// provider defaults when non-empty.
func NewClient(kind ProviderKind, model, baseURL, apiKeyEnv string, temperature float32, getenv func(string) string) (*Client, error) {
	spec := kind.Spec()
	if baseURL == "" {
		baseURL = spec.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("provider %s requires model.base_url", kind)
	}
	if apiKeyEnv == "" {
		apiKeyEnv = spec.APIKeyEnv
	}
	apiKey := getenv(apiKeyEnv)

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	return &Client{
		kind:        kind,
		model:       StripPrefix(model),
		apiKeyEnv:   apiKeyEnv,
		hasKey:      apiKey != "",
		temperature: temperature,
		client:      openai.NewClientWithConfig(cfg),
	}, nil
}

func (c *Client) Kind() ProviderKind { return c.kind }

// Model returns the provider-side model name.
func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, false)
}

// CompleteJSON asks for a JSON object and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	text, err := c.complete(ctx, system, user, true)
	if err != nil {
		return err
	}
	return DecodeJSON(text, out)
}

func (c *Client) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	if !c.hasKey {
		return "", fmt.Errorf("%s is not set", c.apiKeyEnv)
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%s status %d: %s", c.kind, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("%s request: %w", c.kind, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", c.kind)
	}
	return resp.Choices[0].Message.Content, nil
}

// DecodeJSON unmarshals model output, tolerating a surrounding code fence.
func DecodeJSON(text string, out interface{}) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// Router resolves a Client per model name. The configured model is resolved
// once at construction; overrides are resolved once per distinct name.
type Router struct {
	cfg    config.ModelConfig
	getenv func(string) string

	mu      sync.Mutex
	clients map[string]*Client
	dflt    *Client
}

func NewRouter(cfg config.ModelConfig, getenv func(string) string) (*Router, error) {
	r := &Router{cfg: cfg, getenv: getenv, clients: make(map[string]*Client)}

	kind := KindForModel(cfg.ModelName)
	if cfg.Provider != "" {
		k, err := ParseProviderKind(cfg.Provider)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	client, err := NewClient(kind, cfg.ModelName, cfg.BaseURL, cfg.APIKeyEnv, cfg.Temperature, getenv)
	if err != nil {
		return nil, err
	}
	r.dflt = client
	return r, nil
}

// Default returns the configured client.
func (r *Router) Default() *Client { return r.dflt }

// For returns the client for model, or the default when model is empty or
// names the configured model.
func (r *Router) For(model string) (*Client, error) {
	if model == "" || model == r.cfg.ModelName {
		return r.dflt, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[model]; ok {
		return c, nil
	}

	kind := KindForModel(model)
	baseURL, keyEnv := "", ""
	if kind == r.dflt.kind {
		baseURL, keyEnv = r.cfg.BaseURL, r.cfg.APIKeyEnv
	}
	c, err := NewClient(kind, model, baseURL, keyEnv, r.cfg.Temperature, r.getenv)
	if err != nil {
		return nil, err
	}
	r.clients[model] = c
	return c, nil
}
