package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/howard-nolan/llmcompare/internal/provider"
)

// fakeProvider is a scripted provider. delay is how long Generate takes;
// if honorCtx is false it ignores cancellation, like an adapter stuck in a
// blocking call.
type fakeProvider struct {
	name     string
	text     string
	err      error
	delay    time.Duration
	honorCtx bool
	panics   bool
	calls    atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		if f.honorCtx {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			time.Sleep(f.delay)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.text, Usage: provider.Usage{TotalTokens: 7}}, nil
}

func entry(key string, p provider.Provider, timeout time.Duration) Entry {
	name := strings.ToUpper(key[:1]) + key[1:]
	return Entry{Key: key, Name: name, Label: name + " Model", Model: key + "-model", Timeout: timeout, Provider: p}
}

func TestDispatch_OneEntryPerProviderInConfiguredOrder(t *testing.T) {
	entries := []Entry{
		entry("gemini", &fakeProvider{name: "google", text: "g", delay: 30 * time.Millisecond, honorCtx: true}, time.Second),
		entry("claude", &fakeProvider{name: "anthropic", err: &provider.Error{Kind: provider.KindAuth, Message: "bad key"}}, time.Second),
		entry("deepseek", &fakeProvider{name: "openai", text: ""}, time.Second),
		entry("groq", &fakeProvider{name: "openai", err: errors.New("connection reset")}, time.Second),
	}
	d := New(entries, zap.NewNop())

	resp, err := d.Dispatch(context.Background(), "What is Go?")
	require.NoError(t, err)

	require.Len(t, resp.Responses, 4)
	keys := make([]string, 0, 4)
	for _, e := range resp.Responses {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"gemini", "claude", "deepseek", "groq"}, keys)

	gemini, _ := resp.Result("gemini")
	assert.Equal(t, provider.Succeeded("g", "Gemini Model", 7), gemini)

	claude, _ := resp.Result("claude")
	assert.False(t, claude.Success)
	assert.Equal(t, provider.KindAuth, claude.Kind)
	assert.Equal(t, "Claude Model", claude.Model)

	deepseek, _ := resp.Result("deepseek")
	assert.Equal(t, provider.KindEmptyResponse, deepseek.Kind)

	groq, _ := resp.Result("groq")
	assert.Equal(t, provider.KindUnclassified, groq.Kind)
	assert.Equal(t, "connection reset", groq.Reason)

	assert.Equal(t, 3, resp.Failures())
	assert.Equal(t, "What is Go?", resp.Prompt)
}

func TestDispatch_TimeoutDoesNotDelayResponse(t *testing.T) {
	slow := &fakeProvider{name: "slow", text: "late", delay: 2 * time.Second}
	fast := &fakeProvider{name: "fast", text: "quick"}

	d := New([]Entry{
		entry("slow", slow, 50*time.Millisecond),
		entry("fast", fast, time.Second),
	}, zap.NewNop())

	start := time.Now()
	resp, err := d.Dispatch(context.Background(), "hi")
	took := time.Since(start)
	require.NoError(t, err)

	// Bounded by the slow provider's deadline, not by its 2s call.
	assert.Less(t, took, 500*time.Millisecond)

	r, ok := resp.Result("slow")
	require.True(t, ok)
	assert.False(t, r.Success)
	assert.Equal(t, provider.KindTimeout, r.Kind)
	assert.Equal(t, "Slow timeout", r.Reason)
	assert.Equal(t, "Slow Model", r.Model)

	r, _ = resp.Result("fast")
	assert.True(t, r.Success)
}

func TestDispatch_ContextAwareAdapterTimesOut(t *testing.T) {
	p := &fakeProvider{name: "p", text: "late", delay: time.Second, honorCtx: true}
	d := New([]Entry{entry("gemini", p, 20*time.Millisecond)}, zap.NewNop())

	resp, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)

	r, _ := resp.Result("gemini")
	assert.Equal(t, provider.KindTimeout, r.Kind)
	assert.Equal(t, "Gemini timeout", r.Reason)
}

func TestDispatch_RacesRunConcurrently(t *testing.T) {
	var entries []Entry
	for _, k := range []string{"a", "b", "c", "d"} {
		entries = append(entries, entry(k, &fakeProvider{name: k, text: k, delay: 100 * time.Millisecond}, time.Second))
	}
	d := New(entries, zap.NewNop())

	resp, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)

	// Sequential would be >= 400ms.
	assert.Less(t, resp.Elapsed, 300*time.Millisecond)
	assert.GreaterOrEqual(t, resp.Elapsed, 100*time.Millisecond)
	assert.Zero(t, resp.Failures())
}

func TestDispatch_PanicIsContained(t *testing.T) {
	d := New([]Entry{
		entry("bad", &fakeProvider{name: "bad", panics: true}, time.Second),
		entry("good", &fakeProvider{name: "good", text: "ok"}, time.Second),
	}, zap.NewNop())

	resp, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)

	bad, _ := resp.Result("bad")
	assert.Equal(t, provider.KindUnclassified, bad.Kind)
	assert.Contains(t, bad.Reason, "panicked")

	good, _ := resp.Result("good")
	assert.True(t, good.Success)
}

func TestDispatch_NoProviders(t *testing.T) {
	_, err := New(nil, nil).Dispatch(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestDispatch_LazyProviderFailsToLoad(t *testing.T) {
	broken := provider.NewLazy("broken", func() (provider.Provider, error) {
		return nil, errors.New("missing credentials")
	})
	ok := &fakeProvider{name: "ok", text: "fine"}

	d := New([]Entry{entry("ok", ok, time.Second), entry("broken", broken, time.Second)}, nil)

	_, err := d.Dispatch(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")
	assert.Zero(t, ok.calls.Load(), "no race starts when a provider can't be built")
}

func TestDispatchOne(t *testing.T) {
	a := &fakeProvider{name: "a", text: "from a"}
	b := &fakeProvider{name: "b", text: "from b"}
	d := New([]Entry{entry("alpha", a, time.Second), entry("beta", b, time.Second)}, nil)

	resp, err := d.DispatchOne(context.Background(), "beta", "hi")
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)
	assert.Equal(t, "beta", resp.Responses[0].Key)
	assert.Equal(t, "from b", resp.Responses[0].Text)
	assert.Zero(t, a.calls.Load())

	_, err = d.DispatchOne(context.Background(), "gamma", "hi")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAggregateResponse_MarshalJSON(t *testing.T) {
	resp := &AggregateResponse{
		Prompt:    "What is Go?",
		Elapsed:   1234567 * time.Microsecond,
		Timestamp: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
		Responses: []ProviderEntry{
			{Key: "zeta", Result: provider.Succeeded("answer", "Zeta 1", 42)},
			{Key: "alpha", Result: provider.Failed(provider.KindTimeout, "Alpha 2", "Alpha timeout")},
		},
	}

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	out := string(b)

	assert.Contains(t, out, `"processingTime":"1234ms"`)
	assert.Contains(t, out, `"timestamp":"2025-03-04T05:06:07.000Z"`)
	assert.Contains(t, out, `"zeta":{"success":true,"response":"answer","model":"Zeta 1","tokens":42}`)
	assert.Contains(t, out, `"alpha":{"success":false,"error":"Alpha timeout","model":"Alpha 2"}`)
	assert.Less(t, strings.Index(out, `"zeta"`), strings.Index(out, `"alpha"`), "configured order, not sorted")
	assert.NotContains(t, out, `"cached"`)
	assert.NotContains(t, out, `"message"`)

	// And it's valid JSON with the documented top-level keys.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Len(t, decoded["responses"], 2)
}

func TestStoredResponsesKeepOrder(t *testing.T) {
	entries := []ProviderEntry{
		{Key: "zeta", Result: provider.Succeeded("z", "Z", 1)},
		{Key: "alpha", Result: provider.Failed(provider.KindAuth, "A", "bad key")},
	}

	raw, err := EncodeResponses(entries)
	require.NoError(t, err)

	decoded, err := DecodeResponses(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "zeta", decoded[0].Key)
	assert.Equal(t, "alpha", decoded[1].Key)
	assert.Equal(t, "bad key", decoded[1].Reason)
}

func TestFailureEnvelope(t *testing.T) {
	d := New([]Entry{
		entry("gemini", &fakeProvider{}, time.Second),
		entry("claude", &fakeProvider{}, time.Second),
	}, nil)

	env := d.FailureEnvelope("hi", errors.New("provider module failed to load"))
	require.Len(t, env.Responses, 2)
	for _, e := range env.Responses {
		assert.False(t, e.Success)
		assert.NotEmpty(t, e.Model)
	}

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"error":"Failed to process request"`)
	assert.Contains(t, string(b), `"message":"provider module failed to load"`)
}
