package dispatch

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/howard-nolan/llmcompare/internal/provider"
)

// ProviderEntry is one provider's slot in an AggregateResponse.
type ProviderEntry struct {
	Key string `json:"key"`
	provider.Result
}

// CacheHit describes where a cached response came from.
type CacheHit struct {
	Method   string  `json:"method"`
	Score    float64 `json:"score"`
	SourceID string  `json:"sourceId"`
}

// AggregateResponse is the comparison payload for one prompt. Responses
// holds exactly one entry per configured provider, in configured order,
// whatever order the providers actually finished in.
type AggregateResponse struct {
	Prompt    string
	Elapsed   time.Duration
	Timestamp time.Time
	Responses []ProviderEntry

	// Cache is set when the responses were served from history.
	Cache *CacheHit

	// Error and Message are only set on a failure envelope.
	Error   string
	Message string
}

// Result returns the entry for key.
func (a *AggregateResponse) Result(key string) (provider.Result, bool) {
	for _, e := range a.Responses {
		if e.Key == key {
			return e.Result, true
		}
	}
	return provider.Result{}, false
}

// MarshalJSON writes the wire shape:
//
//	{
//	  "prompt": "...",
//	  "processingTime": "1234ms",
//	  "timestamp": "2025-01-02T15:04:05.000Z",
//	  "responses": {"gemini": {...}, "claude": {...}},
//	  "cached": {...}
//	}
//
// responses is a JSON object, and Go maps don't keep insertion order, so
// we write it by hand to keep the configured display order.
func (a *AggregateResponse) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	field := func(name string, v any, first bool) error {
		if !first {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}

	buf.WriteByte('{')
	if err := field("prompt", a.Prompt, true); err != nil {
		return nil, err
	}
	if err := field("processingTime", fmt.Sprintf("%dms", a.Elapsed.Milliseconds()), false); err != nil {
		return nil, err
	}
	if err := field("timestamp", a.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"), false); err != nil {
		return nil, err
	}

	buf.WriteString(`,"responses":{`)
	for i, e := range a.Responses {
		if err := field(e.Key, e.Result, i == 0); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')

	if a.Cache != nil {
		if err := field("cached", a.Cache, false); err != nil {
			return nil, err
		}
	}
	if a.Error != "" {
		if err := field("error", a.Error, false); err != nil {
			return nil, err
		}
		if err := field("message", a.Message, false); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// EncodeResponses serializes the entries for storage. The stored form is
// an array so the display order survives a round trip through any store.
func EncodeResponses(entries []ProviderEntry) ([]byte, error) {
	return json.Marshal(entries)
}

// DecodeResponses is the inverse of EncodeResponses.
func DecodeResponses(raw []byte) ([]ProviderEntry, error) {
	var entries []ProviderEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding stored responses: %w", err)
	}
	return entries, nil
}

// Failures counts the entries that did not succeed.
func (a *AggregateResponse) Failures() int {
	n := 0
	for _, e := range a.Responses {
		if !e.Success {
			n++
		}
	}
	return n
}
