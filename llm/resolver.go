package llm

import (
	"fmt"
	"strings"
)

// Resolve parses a "provider:model" spec and returns a Client plus the bare
// model name. Supported providers: anthropic, openai, ollama. An optional
// baseURL overrides the provider default (ignored for anthropic).
func Resolve(spec, apiKey, baseURL string) (Client, string, error) {
	provider, model, ok := strings.Cut(spec, ":")
	if !ok || model == "" {
		return nil, "", fmt.Errorf("model spec %q must be provider:model", spec)
	}

	switch provider {
	case "anthropic":
		if apiKey == "" {
			return nil, "", fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropicClient(apiKey), model, nil
	case "openai":
		if apiKey == "" {
			return nil, "", fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAIClient(baseURL, apiKey), model, nil
	case "ollama":
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		return NewOpenAIClient(baseURL, "ollama"), model, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", provider)
	}
}
