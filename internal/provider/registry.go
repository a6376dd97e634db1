package provider

import (
	"fmt"
	"net/http"
)

// Build constructs the adapter for a configured kind. Kinds are the values
// of `kind:` in the providers section of config.yaml.
func Build(kind, apiKey, baseURL string, client *http.Client) (Provider, error) {
	switch kind {
	case "google", "gemini":
		return NewGoogleProvider(apiKey, baseURL, client), nil
	case "anthropic", "claude":
		return NewAnthropicProvider(apiKey, baseURL, client), nil
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL, client), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
