package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider on top of the go-openai client.
// Pointing base_url elsewhere makes it serve any OpenAI-compatible API
// (DeepSeek, Groq, Mistral, a local llama.cpp server) with no extra code.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds the go-openai client from a key and optional
// base URL. The shared *http.Client is handed to go-openai so tests can
// swap in a recorder and every adapter reuses one connection pool.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if client != nil {
		cfg.HTTPClient = client
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// Generate sends a chat completion request and returns the complete
// response.
func (o *OpenAIProvider) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, o.classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, emptyResponse(o.Name())
	}

	text := Clean(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, emptyResponse(o.Name())
	}

	return &ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: text,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// classify maps go-openai's error types onto our taxonomy. APIError is a
// decoded {"error": {...}} body; RequestError is a non-2xx whose body
// didn't decode. Anything else never reached the API and stays a plain
// error.
func (o *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(o.Name(), apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		var msg string
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return classifyStatus(o.Name(), reqErr.HTTPStatusCode, msg)
	}

	return fmt.Errorf("sending request to openai: %w", err)
}
