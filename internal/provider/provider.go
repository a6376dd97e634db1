// Package provider defines the Provider interface and LLM provider adapters.
//
// Every LLM backend (Google, Anthropic, OpenAI-compatible) implements the
// Provider interface. The rest of the service works with these unified
// types (dispatcher, key rotator, cache judge) so they never need to know
// which backend is actually answering.
package provider

import "context"

// Provider is the interface that every LLM backend must satisfy.
// Go interfaces are implicit: any struct that has these two methods
// automatically implements Provider, no "implements" keyword needed.
type Provider interface {
	// Name returns the provider identifier, e.g. "google" or "anthropic".
	// Used for logging and metrics labels.
	Name() string

	// Generate sends a request and returns the complete response.
	//
	// The context.Context parameter carries cancellation signals and
	// deadlines. When the dispatcher's per-provider deadline fires, ctx
	// gets cancelled and the adapter stops waiting for the upstream API.
	//
	// Expected failures (bad key, rate limit, 4xx, empty text) come back
	// as *Error with a Kind. Anything else (DNS, connection reset) is a
	// plain error, and callers treat it as KindUnclassified.
	Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of a generation request.
// The dispatcher builds one per provider from the inbound prompt, and
// provider adapters translate it into their backend-specific format.
type ChatRequest struct {
	Model     string    `json:"model"`      // upstream model id, e.g. "gemini-2.0-flash"
	Messages  []Message `json:"messages"`   // the conversation
	MaxTokens int       `json:"max_tokens"` // max tokens in the response
}

// Message is a single message in the conversation. This matches the OpenAI
// format, which uses role + content pairs. Google and Anthropic use different
// structures (Google has "parts", Anthropic separates "system"), so each
// adapter translates from this common format.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // the message text
}

// UserPrompt builds the single-message request every fan-out call sends.
func UserPrompt(model, prompt string, maxTokens int) *ChatRequest {
	return &ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	}
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is the internal representation of a complete response.
// Provider adapters translate their backend's response format into this
// struct. Content has already been through Clean, so it is never empty:
// adapters return KindEmptyResponse instead.
type ChatResponse struct {
	ID      string // unique response ID from the provider (may be empty)
	Model   string // the model that actually generated the response
	Content string // the generated text
	Usage   Usage  // token counts
}

// Usage holds token count information. Every provider returns this in some
// form; we normalize it here. TotalTokens is what the comparison card shows.
type Usage struct {
	PromptTokens     int // tokens in the input (our request)
	CompletionTokens int // tokens in the output (model's response)
	TotalTokens      int // sum of the above
}
