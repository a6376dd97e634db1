package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantMsg  string
	}{
		{"unauthorized", 401, `{"error":{"message":"invalid x-api-key"}}`, KindAuth, "invalid x-api-key"},
		{"forbidden", 403, ``, KindAuth, "Forbidden"},
		{"rate limited", 429, `{"error":{"message":"quota exceeded"}}`, KindRateLimited, "quota exceeded"},
		{"gemini bad key", 400, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key."}}`, KindAuth, "API key not valid. Please pass a valid API key."},
		{"plain bad request", 400, `{"error":{"message":"max_tokens: must be positive"}}`, KindMalformedRequest, "max_tokens: must be positive"},
		{"not found", 404, `model not found`, KindMalformedRequest, "model not found"},
		{"server error", 500, `{"error":{"message":"overloaded"}}`, KindUnclassified, "overloaded"},
		{"bad gateway no body", 502, ``, KindUnclassified, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := statusError("test", tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, tt.status, err.StatusCode)
		})
	}
}

func TestRotatable(t *testing.T) {
	assert.True(t, Rotatable(&Error{Kind: KindAuth}))
	assert.True(t, Rotatable(fmt.Errorf("wrapped: %w", &Error{Kind: KindRateLimited})))
	assert.False(t, Rotatable(&Error{Kind: KindMalformedRequest}))
	assert.False(t, Rotatable(&Error{Kind: KindEmptyResponse}))
	assert.False(t, Rotatable(errors.New("connection reset")))
}

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"* Go is a language", "Go is a language"},
		{"- first\n- second", "first\nsecond"},
		{"• bullet", "bullet"},
		{"  * indented", "indented"},
		{"**bold** stays", "**bold** stays"},
		{"-5 degrees", "-5 degrees"},
		{"*   ", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Clean(tt.in), "Clean(%q)", tt.in)
	}
}

func TestResultOf(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := ResultOf("Gemini Flash", &ChatResponse{Content: "hi", Usage: Usage{TotalTokens: 12}}, nil)
		assert.Equal(t, Succeeded("hi", "Gemini Flash", 12), r)
	})

	t.Run("typed error keeps kind and message", func(t *testing.T) {
		r := ResultOf("Claude", nil, &Error{Kind: KindRateLimited, Provider: "anthropic", Message: "slow down"})
		assert.False(t, r.Success)
		assert.Equal(t, KindRateLimited, r.Kind)
		assert.Equal(t, "slow down", r.Reason)
		assert.Equal(t, "Claude", r.Model)
	})

	t.Run("plain error is unclassified", func(t *testing.T) {
		r := ResultOf("Claude", nil, errors.New("dial tcp: refused"))
		assert.Equal(t, KindUnclassified, r.Kind)
		assert.Equal(t, "dial tcp: refused", r.Reason)
	})

	t.Run("nil response", func(t *testing.T) {
		r := ResultOf("Claude", nil, nil)
		assert.Equal(t, KindEmptyResponse, r.Kind)
	})
}
