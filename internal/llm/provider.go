// Package llm selects an LLM provider for a model name and talks to it over
// the OpenAI-compatible chat completions API.
package llm

import (
	"fmt"
	"strings"
)

// ProviderKind enumerates the supported providers.
type ProviderKind int

const (
	ProviderDeepSeek ProviderKind = iota
	ProviderOpenAI
	ProviderChatU
	ProviderJiuTian
)

// Spec is the fixed connection detail of a provider. An empty BaseURL must be
// supplied by configuration.
type Spec struct {
	Name      string
	Prefix    string
	BaseURL   string
	APIKeyEnv string
}

var specs = map[ProviderKind]Spec{
	ProviderDeepSeek: {Name: "deepseek", Prefix: "deepseek/", BaseURL: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY"},
	ProviderOpenAI:   {Name: "openai", Prefix: "openai/", BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
	ProviderChatU:    {Name: "chatu", Prefix: "chatu/", APIKeyEnv: "CHATU_API_KEY"},
	ProviderJiuTian:  {Name: "jiutian", Prefix: "jiutian/", APIKeyEnv: "JIUTIAN_API_KEY"},
}

func (k ProviderKind) Spec() Spec { return specs[k] }

func (k ProviderKind) String() string {
	if s, ok := specs[k]; ok {
		return s.Name
	}
	return fmt.Sprintf("ProviderKind(%d)", int(k))
}

// ParseProviderKind maps a configured provider name to its kind.
func ParseProviderKind(name string) (ProviderKind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, spec := range specs {
		if spec.Name == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown model provider %q", name)
}

// KindForModel derives the provider from a "provider/model" name. Names
// without a known prefix go to DeepSeek.
func KindForModel(model string) ProviderKind {
	lower := strings.ToLower(model)
	for _, kind := range []ProviderKind{ProviderChatU, ProviderJiuTian, ProviderOpenAI, ProviderDeepSeek} {
		if strings.HasPrefix(lower, specs[kind].Prefix) {
			return kind
		}
	}
	return ProviderDeepSeek
}

// StripPrefix removes a known provider prefix, leaving the name the provider
// API expects.
func StripPrefix(model string) string {
	kind := KindForModel(model)
	prefix := specs[kind].Prefix
	if len(model) >= len(prefix) && strings.EqualFold(model[:len(prefix)], prefix) {
		return model[len(prefix):]
	}
	return model
}
