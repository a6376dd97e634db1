package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGeminiServer starts an httptest server that answers generateContent
// with the given status and body, and records what it was sent.
func newGeminiServer(t *testing.T, status int, body string, seen *geminiRequest, seenKey *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		if seenKey != nil {
			*seenKey = r.URL.Query().Get("key")
		}
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleGenerate(t *testing.T) {
	var seen geminiRequest
	var key string
	srv := newGeminiServer(t, http.StatusOK, `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "* Go is "}, {"text": "a language."}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 6, "totalTokenCount": 10},
		"modelVersion": "gemini-2.0-flash-001"
	}`, &seen, &key)

	g := NewGoogleProvider("secret", srv.URL, srv.Client())

	req := UserPrompt("gemini-2.0-flash", "What is Go?", 256)
	req.Messages = append([]Message{{Role: "system", Content: "Be brief."}}, req.Messages...)

	resp, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Go is a language.", resp.Content)
	assert.Equal(t, "gemini-2.0-flash-001", resp.Model)
	assert.Equal(t, 10, resp.Usage.TotalTokens)

	// The key rides in the query string and the system prompt moves out
	// of contents.
	assert.Equal(t, "secret", key)
	require.NotNil(t, seen.SystemInstruction)
	assert.Equal(t, "Be brief.", seen.SystemInstruction.Parts[0].Text)
	require.Len(t, seen.Contents, 1)
	assert.Equal(t, "user", seen.Contents[0].Role)
	assert.Equal(t, 256, seen.GenerationConfig.MaxOutputTokens)
}

func TestGoogleGenerate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
	}{
		{"invalid key", 400, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`, KindAuth},
		{"quota", 429, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`, KindRateLimited},
		{"bad model", 404, `{"error":{"code":404,"message":"models/nope is not found"}}`, KindMalformedRequest},
		{"outage", 503, `{"error":{"code":503,"message":"The model is overloaded."}}`, KindUnclassified},
		{"no candidates", 200, `{"candidates": []}`, KindEmptyResponse},
		{"only bullets", 200, `{"candidates": [{"content": {"parts": [{"text": "* "}]}}]}`, KindEmptyResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newGeminiServer(t, tt.status, tt.body, nil, nil)
			g := NewGoogleProvider("k", srv.URL, srv.Client())

			_, err := g.Generate(context.Background(), UserPrompt("gemini-2.0-flash", "hi", 0))
			require.Error(t, err)

			var perr *Error
			require.True(t, errors.As(err, &perr), "want *provider.Error, got %T", err)
			assert.Equal(t, tt.wantKind, perr.Kind)
			assert.Equal(t, "google", perr.Provider)
		})
	}
}

func TestGoogleGenerate_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening any more

	g := NewGoogleProvider("k", srv.URL, srv.Client())
	_, err := g.Generate(context.Background(), UserPrompt("gemini-2.0-flash", "hi", 0))
	require.Error(t, err)

	// Transport errors are not classified.
	assert.Equal(t, KindUnclassified, KindOf(err))
}
